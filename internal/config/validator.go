package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// channelIDPattern restricts channel ids to uuid-style characters so they
// are always safe to embed in per-channel table names.
var channelIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]{1,36}$`)

// Validate checks the configuration for structural and semantic errors.
func (c *EngineConfig) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return fmt.Errorf("internal validation error: %w", err)
		}
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			return fmt.Errorf("invalid configuration: %s", describeFieldErrors(fields))
		}
		return err
	}

	return c.validateChannels()
}

// describeFieldErrors renders validator field errors in a readable form.
func describeFieldErrors(fields validator.ValidationErrors) string {
	out := ""
	for i, fe := range fields {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag())
	}
	return out
}

// validateChannels applies the cross-field rules validator tags cannot
// express.
func (c *EngineConfig) validateChannels() error {
	seenIDs := make(map[string]bool, len(c.Channels))
	seenNames := make(map[string]bool, len(c.Channels))
	for i := range c.Channels {
		ch := &c.Channels[i]

		if !channelIDPattern.MatchString(ch.ID) {
			return fmt.Errorf("channel %q: id %q does not match the accepted pattern", ch.Name, ch.ID)
		}
		if seenIDs[ch.ID] {
			return fmt.Errorf("duplicate channel id %q", ch.ID)
		}
		seenIDs[ch.ID] = true
		if seenNames[ch.Name] {
			return fmt.Errorf("duplicate channel name %q", ch.Name)
		}
		seenNames[ch.Name] = true

		if ch.Source.Type == "http" && ch.Source.HTTP.Addr == "" {
			return fmt.Errorf("channel %q: http source requires http.addr", ch.Name)
		}

		destNames := make(map[string]bool, len(ch.Destinations))
		for j := range ch.Destinations {
			d := &ch.Destinations[j]
			if destNames[d.Name] {
				return fmt.Errorf("channel %q: duplicate destination name %q", ch.Name, d.Name)
			}
			destNames[d.Name] = true
			if d.Type == "http" && d.HTTP.URL == "" {
				return fmt.Errorf("channel %q: destination %q requires http.url", ch.Name, d.Name)
			}
			if d.QueueThreads < 0 || d.RetryCount < 0 {
				return fmt.Errorf("channel %q: destination %q has negative queue or retry settings", ch.Name, d.Name)
			}
		}
	}
	return nil
}
