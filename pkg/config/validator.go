package config

import (
	"fmt"
	"os"
)

// ValidationError reports a single invalid field, field-qualified so callers
// can render actionable startup error messages (exit code 1, spec.md 6).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every ValidationError found in one pass so a
// misconfigured hub reports all problems at once rather than one at a time.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, v := range e {
		msg += "\n  - " + v.Error()
	}
	return msg
}

// Validate checks structural invariants of a HubConfig: broker IDs are
// unique and non-empty, endpoints are set, and referenced cert files exist.
// Fatal startup errors (spec.md section 7) are surfaced through this method.
func (c *HubConfig) Validate() error {
	var errs ValidationErrors

	seen := make(map[string]bool, len(c.Brokers))
	for i, b := range c.Brokers {
		field := fmt.Sprintf("brokers[%d]", i)
		if b.ID == "" {
			errs = append(errs, &ValidationError{Field: field + ".id", Message: "must not be empty"})
		} else if seen[b.ID] {
			errs = append(errs, &ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate broker id %q", b.ID)})
		}
		seen[b.ID] = true

		if b.Host == "" {
			errs = append(errs, &ValidationError{Field: field + ".host", Message: "must not be empty"})
		}
		if b.Port <= 0 || b.Port > 65535 {
			errs = append(errs, &ValidationError{Field: field + ".port", Message: fmt.Sprintf("invalid port %d", b.Port)})
		}

		if err := validateFilePath(b.TLS.CAFile, field+".tls.caFile"); err != nil {
			errs = append(errs, err.(*ValidationError))
		}
		if err := validateFilePath(b.TLS.CertFile, field+".tls.certFile"); err != nil {
			errs = append(errs, err.(*ValidationError))
		}
		if err := validateFilePath(b.TLS.KeyFile, field+".tls.keyFile"); err != nil {
			errs = append(errs, err.(*ValidationError))
		}
		if (b.TLS.CertFile == "") != (b.TLS.KeyFile == "") {
			errs = append(errs, &ValidationError{Field: field + ".tls", Message: "certFile and keyFile must be set together for mTLS"})
		}
	}

	if c.Store.Path == "" {
		errs = append(errs, &ValidationError{Field: "store.path", Message: "must not be empty"})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// validateFilePath checks that path, if non-empty, refers to an existing
// regular file. An empty path is considered optional and valid.
func validateFilePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ValidationError{Field: fieldName, Message: fmt.Sprintf("file does not exist: %s", path)}
		}
		return &ValidationError{Field: fieldName, Message: fmt.Sprintf("cannot access file: %s", err.Error())}
	}
	if info.IsDir() {
		return &ValidationError{Field: fieldName, Message: fmt.Sprintf("path is a directory, not a file: %s", path)}
	}
	return nil
}
