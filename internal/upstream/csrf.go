package upstream

import (
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html"
)

var errMissingCSRF = errors.New("csrf token not found on login page")

// extractCSRFToken returns the content of <meta name="csrf-token">, falling
// back to a hidden _token form input.
func extractCSRFToken(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	fallback := ""
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != nil && !errors.Is(err, io.EOF) {
				return "", err
			}
			if fallback != "" {
				return fallback, nil
			}
			return "", errMissingCSRF
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "meta":
				if strings.EqualFold(attr(tok, "name"), "csrf-token") {
					if content := strings.TrimSpace(attr(tok, "content")); content != "" {
						return content, nil
					}
				}
			case "input":
				if fallback == "" && attr(tok, "name") == "_token" {
					fallback = strings.TrimSpace(attr(tok, "value"))
				}
			}
		}
	}
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
