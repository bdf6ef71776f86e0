package server

import (
	"html/template"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"aveauth/client"
)

type paramRow struct {
	Key   string
	Value string
	Info  string
}

type devConsoleView struct {
	Issuer      string
	APIBase     string
	ClientID    string
	RedirectURI string
	Scope       string
	Theme       string
	Preview     string
	Params      []paramRow
	Grants      []DelegationGrant
}

var paramInfo = map[string]string{
	"client_id":             "Application registered at the provider",
	"redirect_uri":          "Where the provider sends the code",
	"scope":                 "Requested scopes, openid always first",
	"nonce":                 "Echoed in the id_token and checked on callback",
	"code_challenge":        "SHA-256 of the verifier kept in the attempt cookie",
	"code_challenge_method": "Always S256",
	"state":                 "Attempt id, also the attempt cookie suffix",
	"theme":                 "Provider UI theme",
	"prompt":                "Provider prompt hint",
	"embed":                 "Set when the page is hosted in an iframe surface",
}

var devConsoleTemplate = template.Must(template.New("devConsole").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Ave relay console</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem auto; max-width: 960px; color: #1d1d1f; }
section { margin-bottom: 2rem; }
label { display: block; margin-bottom: 0.5rem; font-weight: 600; }
select { padding: 0.4rem; margin-bottom: 1rem; }
button { padding: 0.5rem 1rem; cursor: pointer; }
.code { background: #f5f5f5; padding: 1rem; border-radius: 8px; font-family: monospace; white-space: pre-wrap; word-break: break-all; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #d0d0d5; padding: 0.5rem; text-align: left; font-size: 0.95rem; }
th { background: #f0f0f5; }
small { color: #555; }
</style>
</head>
<body>
<h1>Ave relay console</h1>
<p><small>Available only in development mode.</small></p>
<section>
  <h2>Provider</h2>
  <table>
    <tr><th>Issuer</th><td>{{.Issuer}}</td></tr>
    <tr><th>API base</th><td>{{.APIBase}}</td></tr>
    <tr><th>Client</th><td>{{.ClientID}}</td></tr>
    <tr><th>Redirect URI</th><td>{{.RedirectURI}}</td></tr>
    <tr><th>Scope</th><td>{{.Scope}}</td></tr>
  </table>
</section>
<section>
  <h2>Start a login</h2>
  <form method="get" action="/login">
    <label for="theme">Theme</label>
    <select id="theme" name="theme">
      <option value="">default</option>
      <option value="light" {{if eq .Theme "light"}}selected{{end}}>light</option>
      <option value="dark" {{if eq .Theme "dark"}}selected{{end}}>dark</option>
    </select>
    <button type="submit">Log in</button>
  </form>
  <h3>Sample authorization request</h3>
  <div class="code">{{.Preview}}</div>
  <table>
    <thead><tr><th>Parameter</th><th>Value</th><th>Meaning</th></tr></thead>
    <tbody>
    {{range .Params}}
      <tr><td>{{.Key}}</td><td>{{.Value}}</td><td>{{if .Info}}<small>{{.Info}}</small>{{end}}</td></tr>
    {{end}}
    </tbody>
  </table>
</section>
<section>
  <h2>Delegation grants</h2>
  {{if .Grants}}
  <table>
    <thead><tr><th>Grant</th><th>User</th><th>Resource</th><th>Scope</th><th>Mode</th><th>Created</th><th></th></tr></thead>
    <tbody>
    {{range .Grants}}
      <tr>
        <td>{{.ID}}</td>
        <td>{{.Subject}}</td>
        <td>{{.TargetResourceKey}}</td>
        <td>{{.Scope}}</td>
        <td>{{.CommunicationMode}}</td>
        <td>{{.CreatedAt.Format "2006-01-02 15:04:05"}}</td>
        <td>{{if .RevokedAt}}revoked{{else}}<form method="post" action="/dev/delegations/{{.ID}}/revoke"><button type="submit">Revoke</button></form>{{end}}</td>
      </tr>
    {{end}}
    </tbody>
  </table>
  {{else}}
  <p>No grants issued yet.</p>
  {{end}}
</section>
</body>
</html>
`))

// handleDevConsole renders a debugging page. The sample request uses a
// throwaway attempt that is never stored, so it cannot be redeemed.
func (a *App) handleDevConsole(w http.ResponseWriter, r *http.Request) {
	if !a.Config.Server.DevMode {
		http.NotFound(w, r)
		return
	}

	theme := r.URL.Query().Get("theme")
	view := devConsoleView{
		Issuer:      a.Config.Provider.Issuer,
		APIBase:     a.Exchange.APIBase(),
		ClientID:    a.Config.Provider.ClientID,
		RedirectURI: a.Config.Provider.RedirectURI,
		Theme:       theme,
		Grants:      a.Grants.List(),
	}

	attempt, err := client.NewAttempt()
	if err != nil {
		http.Error(w, "could not create sample attempt", http.StatusInternalServerError)
		return
	}
	req, err := client.NewAuthorizationRequest(client.AuthorizeParams{
		ClientID:    a.Config.Provider.ClientID,
		RedirectURI: a.Config.Provider.RedirectURI,
		Issuer:      a.Config.Provider.Issuer,
	}, attempt.Apply(client.AuthorizeOptions{
		Scope:  a.Config.Provider.Scopes,
		Theme:  theme,
		Prompt: a.Config.Provider.Prompt,
	}))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	view.Preview = req.URL()
	view.Params = describeParams(view.Preview)
	view.Scope = strings.Join(req.Scope(), " ")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := devConsoleTemplate.Execute(w, view); err != nil {
		a.Logger.Error("render dev console", "error", err)
	}
}

func (a *App) handleDevRevoke(w http.ResponseWriter, r *http.Request) {
	if !a.Config.Server.DevMode {
		http.NotFound(w, r)
		return
	}
	if _, err := a.Grants.Revoke(chi.URLParam(r, "id")); err != nil {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/dev", http.StatusSeeOther)
}

func describeParams(raw string) []paramRow {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]paramRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, paramRow{Key: k, Value: q.Get(k), Info: paramInfo[k]})
	}
	return rows
}
