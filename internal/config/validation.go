package config

import (
	"fmt"
	"net/url"
	"strings"

	"qbmcp/internal/broker"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   val,
		Message: message,
	})
}

// asBrokerError tags the collection so callers can match broker.ErrValidation.
func (ve ValidationErrors) asBrokerError() error {
	if !ve.HasErrors() {
		return nil
	}
	err := broker.Wrap(broker.KindValidation, ve, ve.Error())
	err.Field = ve[0].Field
	return err
}

// ValidateOneOf checks if a value is in a list of allowed values
func ValidateOneOf(field, value string, allowed []string) error {
	for _, allowedValue := range allowed {
		if value == allowedValue {
			return nil
		}
	}
	return ValidationError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// Validate checks the whole configuration. Every problem is reported, not
// just the first. Misconfigured numbers are rejected, never clamped.
func (c Config) Validate() error {
	var errs ValidationErrors

	if err := ValidateOneOf("environment", c.Environment, []string{EnvironmentSandbox, EnvironmentProduction}); err != nil {
		errs = append(errs, err.(ValidationError))
	}

	if c.Cache.TTL.Std() <= 0 {
		errs.Add("cache.ttl", "must be a positive duration", c.Cache.TTL.String())
	}
	if c.Cache.SkewMargin.Std() < 0 {
		errs.Add("cache.skewMargin", "must not be negative", c.Cache.SkewMargin.String())
	}
	if c.Refresh.Timeout.Std() <= 0 {
		errs.Add("refresh.timeout", "must be a positive duration", c.Refresh.Timeout.String())
	}

	if c.RemoteMode() {
		c.validateBroker(&errs)
	} else {
		c.validateLocal(&errs)
	}

	return errs.asBrokerError()
}

func (c Config) validateLocal(errs *ValidationErrors) {
	if strings.TrimSpace(c.ClientID) == "" {
		errs.Add("clientId", fmt.Sprintf("is required (set %s)", EnvClientID))
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		errs.Add("clientSecret", fmt.Sprintf("is required (set %s)", EnvClientSecret))
	}

	if c.Auth.FlowTimeout.Std() <= 0 {
		errs.Add("auth.flowTimeout", "must be a positive duration", c.Auth.FlowTimeout.String())
	}
	start, end := c.Auth.CallbackPortStart, c.Auth.CallbackPortEnd
	if start < 1 || start > 65535 {
		errs.Add("auth.callbackPortStart", "must be between 1 and 65535", start)
	}
	if end < 1 || end > 65535 {
		errs.Add("auth.callbackPortEnd", "must be between 1 and 65535", end)
	}
	if end < start {
		errs.Add("auth.callbackPortEnd", "must not be lower than callbackPortStart", end)
	}

	endpoints := []struct{ field, raw string }{
		{"oauth.authUrl", c.OAuth.AuthURL},
		{"oauth.tokenUrl", c.OAuth.TokenURL},
		{"oauth.revokeUrl", c.OAuth.RevokeURL},
	}
	for _, ep := range endpoints {
		if ep.raw != "" && !isHTTPURL(ep.raw) {
			errs.Add(ep.field, "must be an absolute http(s) URL", ep.raw)
		}
	}

	if err := ValidateOneOf("storage.driver", c.Storage.Driver, []string{StorageDriverFile, StorageDriverSQLite}); err != nil {
		*errs = append(*errs, err.(ValidationError))
	}
}

func (c Config) validateBroker(errs *ValidationErrors) {
	if !isHTTPURL(c.Broker.URL) {
		errs.Add("broker.url", "must be an absolute http(s) URL", c.Broker.URL)
	}
	if strings.TrimSpace(c.Broker.Token) == "" {
		errs.Add("broker.token", fmt.Sprintf("is required with broker.url (set %s)", EnvBrokerToken))
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
