package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"text/template/parse"

	"applybox/internal/model"
)

// Render executes a campaign email template against the submission data.
// The body is HTML-escaped; the subject is plain text. Fields the data does
// not carry render as empty in both.
func Render(tmpl model.EmailTemplate, data map[string]interface{}) (string, string, error) {
	subjectTmpl, err := texttemplate.New("subject").Parse(tmpl.Subject)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse email subject: %w", err)
	}
	bodyTmpl, err := htmltemplate.New("body").Parse(tmpl.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse email body: %w", err)
	}

	subjectData := make(map[string]interface{}, len(data))
	for k, v := range data {
		subjectData[k] = v
	}
	for _, name := range fieldNames(subjectTmpl.Tree.Root, nil) {
		if v, ok := subjectData[name]; !ok || v == nil {
			subjectData[name] = ""
		}
	}

	var subject, body bytes.Buffer
	if err := subjectTmpl.Execute(&subject, subjectData); err != nil {
		return "", "", fmt.Errorf("failed to render email subject: %w", err)
	}
	if err := bodyTmpl.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("failed to render email body: %w", err)
	}
	return subject.String(), body.String(), nil
}

// fieldNames collects the top-level keys a template reads from its data
func fieldNames(node parse.Node, names []string) []string {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return names
		}
		for _, child := range n.Nodes {
			names = fieldNames(child, names)
		}
	case *parse.ActionNode:
		names = fieldNames(n.Pipe, names)
	case *parse.PipeNode:
		if n == nil {
			return names
		}
		for _, cmd := range n.Cmds {
			names = fieldNames(cmd, names)
		}
	case *parse.CommandNode:
		for _, arg := range n.Args {
			names = fieldNames(arg, names)
		}
	case *parse.FieldNode:
		if len(n.Ident) > 0 {
			names = append(names, n.Ident[0])
		}
	case *parse.IfNode:
		names = fieldNames(n.Pipe, names)
		names = fieldNames(n.List, names)
		names = fieldNames(n.ElseList, names)
	case *parse.WithNode:
		names = fieldNames(n.Pipe, names)
	case *parse.RangeNode:
		names = fieldNames(n.Pipe, names)
	}
	return names
}
