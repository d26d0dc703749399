package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/config-v1.schema.json
var schemaJSON []byte

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config-v1.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("config: add schema resource: %v", err))
	}
	schema, err := compiler.Compile("config-v1.schema.json")
	if err != nil {
		panic(fmt.Sprintf("config: compile schema: %v", err))
	}
	return schema
}

// Validate checks the configuration structurally against the embedded JSON
// schema, then applies the semantic checks the schema cannot express.
func (c *Config) Validate() error {
	if err := c.validateSchema(); err != nil {
		return err
	}
	return c.validateSemantics()
}

func (c *Config) validateSchema() error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if err := compiledSchema.Validate(instance); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

func (c *Config) validateSemantics() error {
	if c.Strategy.StageBudgetMs > c.Strategy.TotalBudgetMs {
		return fmt.Errorf("strategy: stage budget %dms exceeds total budget %dms",
			c.Strategy.StageBudgetMs, c.Strategy.TotalBudgetMs)
	}
	if c.Strategy.ConfirmWindowMs > c.Strategy.TotalBudgetMs {
		return fmt.Errorf("strategy: confirm window %dms exceeds total budget %dms",
			c.Strategy.ConfirmWindowMs, c.Strategy.TotalBudgetMs)
	}
	if c.Session.SilenceTimeoutMs > 0 && c.Session.BufferPauseTimeoutMs > c.Session.SilenceTimeoutMs {
		return fmt.Errorf("session: buffer pause timeout %dms exceeds silence timeout %dms",
			c.Session.BufferPauseTimeoutMs, c.Session.SilenceTimeoutMs)
	}

	for _, m := range []struct {
		name string
		cfg  MethodConfig
	}{
		{"atspi_insert", c.Methods.AtspiInsert},
		{"atspi_paste", c.Methods.AtspiPaste},
		{"clipboard_paste", c.Methods.ClipboardPaste},
		{"virtual_keyboard", c.Methods.VirtualKeyboard},
		{"portal_input", c.Methods.PortalInput},
	} {
		switch m.cfg.ConfirmPolicy {
		case "", "strict", "lenient":
		default:
			return fmt.Errorf("methods.%s: unknown confirm policy %q", m.name, m.cfg.ConfirmPolicy)
		}
	}

	// Patterns that fail to compile fall back to substring matching, but a
	// pattern that looks like a regex and does not compile is usually a
	// typo worth rejecting at load time.
	for _, p := range append(append([]string{}, c.Strategy.AllowApps...), c.Strategy.BlockApps...) {
		if looksLikeRegex(p) {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("strategy: app pattern %q: %w", p, err)
			}
		}
	}
	return nil
}

var regexMeta = regexp.MustCompile(`[\^\$\[\]\(\)\*\+\?\|\\]`)

func looksLikeRegex(p string) bool {
	return regexMeta.MatchString(p)
}
