package email

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

const ActivationSubject = "Email Confirmation"

var activationTmpl = template.Must(template.New("activation").Parse(`<html>
<body>
<p>Hi {{ .Username }},</p>
<p>Please confirm your email address to activate your account:</p>
<p><a href="{{ .Link }}">{{ .Link }}</a></p>
<p>The link expires in {{ .ValidFor }} and can only be used once.</p>
</body>
</html>
`))

// ActivationData es el contexto del mensaje de activacion.
type ActivationData struct {
	Username string
	UserRef  string
	Token    string
	BaseURL  string
	ValidFor string
}

// ActivationLink construye la URL de activacion a partir de la referencia y el token.
func ActivationLink(baseURL, userRef, token string) string {
	return fmt.Sprintf("%s/activate/%s/%s", strings.TrimRight(baseURL, "/"), userRef, token)
}

// RenderActivation produce el cuerpo HTML del correo de activacion.
func RenderActivation(data ActivationData) (string, error) {
	var buf bytes.Buffer
	err := activationTmpl.Execute(&buf, struct {
		ActivationData
		Link string
	}{
		ActivationData: data,
		Link:           ActivationLink(data.BaseURL, data.UserRef, data.Token),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
