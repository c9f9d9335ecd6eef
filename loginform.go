package herald

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/heraldhq/herald/server"
)

// loginFormTemplate is the sign-in page served by the authorize endpoint.
// It posts back to the same URL with the authorization parameters carried
// in hidden fields.
const loginFormTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8">
    <title>Herald - Sign In</title>
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #f5f5f5;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
        }
        .container {
            background: white;
            padding: 2rem;
            border-radius: 8px;
            box-shadow: 0 2px 10px rgba(0,0,0,0.1);
            width: 100%;
            max-width: 400px;
        }
        h1 { margin: 0 0 1.5rem; font-size: 1.5rem; text-align: center; }
        .error { background: #fee; color: #c00; padding: 0.75rem; border-radius: 4px; margin-bottom: 1rem; }
        label { display: block; margin-bottom: 0.5rem; font-weight: 500; }
        input {
            width: 100%;
            padding: 0.75rem;
            border: 1px solid #ddd;
            border-radius: 4px;
            font-size: 1rem;
            margin-bottom: 1rem;
            box-sizing: border-box;
        }
        button {
            width: 100%;
            padding: 0.75rem;
            background: #e07856;
            color: white;
            border: none;
            border-radius: 4px;
            font-size: 1rem;
            cursor: pointer;
        }
        button:hover { background: #c86646; }
        .scope-info { font-size: 0.875rem; color: #666; margin-bottom: 1rem; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Sign in to Herald</h1>
        {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
        <div class="scope-info">
            Requested access: <strong>{{.Request.Scope}}</strong>
        </div>
        <form method="POST">
            <input type="hidden" name="client_id" value="{{.Request.ClientID}}">
            <input type="hidden" name="redirect_uri" value="{{.Request.RedirectURI}}">
            <input type="hidden" name="scope" value="{{.Request.Scope}}">
            <input type="hidden" name="state" value="{{.Request.State}}">
            <input type="hidden" name="code_challenge" value="{{.Request.CodeChallenge}}">
            <input type="hidden" name="code_challenge_method" value="{{.Request.CodeChallengeMethod}}">

            <label for="email">Email</label>
            <input type="email" id="email" name="email" value="{{.Email}}" required autofocus>

            <label for="password">Password</label>
            <input type="password" id="password" name="password" required>

            <button type="submit">Sign In</button>
        </form>
    </div>
</body>
</html>`

var loginForm = template.Must(template.New("login").Parse(loginFormTemplate))

type loginFormData struct {
	Request server.AuthorizationRequest
	Email   string
	Error   string
}

// renderLoginForm writes the sign-in page. It renders into a buffer first
// so a template failure can still produce a clean 500.
func (h *Handler) renderLoginForm(w http.ResponseWriter, data loginFormData) {
	var buf bytes.Buffer
	if err := loginForm.Execute(&buf, data); err != nil {
		h.logger.Error("Failed to render login form", "error", err)
		h.writeOAuthError(w, ErrServerError())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
