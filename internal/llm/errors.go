package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Remediation options offered with actionable errors.
const (
	OptionDownloadOllama = "Download Ollama"
	OptionStartOllama    = "Start Ollama"
	OptionInstallModel   = "Install Model"
)

// ActionableError is a model failure the user can fix with one of Options.
type ActionableError struct {
	Message string
	Options []string
	Model   string
	Err     error
}

func (e *ActionableError) Error() string { return e.Message }
func (e *ActionableError) Unwrap() error { return e.Err }

var ollamaRunPattern = regexp.MustCompile("`?ollama run ([^`\\s]+)`?")

// ClassifyError turns known local runtime failures into an *ActionableError.
// Any other error is returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var actionable *ActionableError
	if errors.As(err, &actionable) {
		return err
	}

	msg := err.Error()
	if !strings.Contains(strings.ToLower(msg), "ollama") {
		return err
	}
	switch {
	case strings.Contains(msg, "Ollama may not be installed"):
		return &ActionableError{Message: msg, Options: []string{OptionDownloadOllama}, Err: err}
	case strings.Contains(msg, "Ollama may not be running"):
		return &ActionableError{Message: msg, Options: []string{OptionStartOllama}, Err: err}
	}
	if m := ollamaRunPattern.FindStringSubmatch(msg); m != nil {
		return &ActionableError{
			Message: fmt.Sprintf("Model %q is not found in Ollama. You need to install it.", m[1]),
			Options: []string{OptionInstallModel},
			Model:   m[1],
			Err:     err,
		}
	}
	return err
}
