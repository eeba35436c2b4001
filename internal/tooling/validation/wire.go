// Package validation checks wire-message fixtures against both the typed
// validators and the published JSON schema, so the two can never drift apart
// unnoticed.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/halcyonaudio/speechd/api/stream"
)

// WireValidationSummary reports fixture validation totals.
type WireValidationSummary struct {
	Total    int
	Failed   int
	Failures []string
}

// ValidateWireFixtures walks root's per-message fixture directories. Each
// message kind has valid/ and invalid/ subdirectories; valid fixtures must
// pass both the typed validator and the schema, invalid fixtures must fail
// both.
func ValidateWireFixtures(schemaPath, root string) (WireValidationSummary, error) {
	validators := []struct {
		name      string
		validator func([]byte) error
	}{
		{name: "hello", validator: validateHello},
		{name: "chunk_ack", validator: validateChunkAck},
		{name: "chunk_finalized", validator: validateFinalized},
		{name: "error", validator: validateError},
	}

	summary := WireValidationSummary{}
	compiled, err := compileSchema(schemaPath)
	if err != nil {
		return summary, err
	}

	for _, entry := range validators {
		for _, validity := range []struct {
			dir        string
			shouldPass bool
		}{
			{dir: "valid", shouldPass: true},
			{dir: "invalid", shouldPass: false},
		} {
			dir := filepath.Join(root, entry.name, validity.dir)
			items, err := os.ReadDir(dir)
			if err != nil {
				return summary, fmt.Errorf("read fixtures %s: %w", dir, err)
			}
			names := make([]string, 0, len(items))
			for _, item := range items {
				if !item.IsDir() {
					names = append(names, item.Name())
				}
			}
			sort.Strings(names)
			for _, name := range names {
				summary.Total++
				filePath := filepath.Join(dir, name)
				raw, readErr := os.ReadFile(filePath)
				if readErr != nil {
					summary.Failed++
					summary.Failures = append(summary.Failures, fmt.Sprintf("%s: read error: %v", filePath, readErr))
					continue
				}

				typedErr := entry.validator(raw)
				schemaErr := validateAgainstSchema(compiled, raw)

				if validity.shouldPass {
					if typedErr != nil || schemaErr != nil {
						summary.Failed++
						summary.Failures = append(summary.Failures, fmt.Sprintf("%s: expected valid, typed_err=%v schema_err=%v", filePath, typedErr, schemaErr))
					}
					continue
				}

				if typedErr == nil || schemaErr == nil {
					summary.Failed++
					summary.Failures = append(summary.Failures, fmt.Sprintf("%s: expected invalid by both validators, typed_err=%v schema_err=%v", filePath, typedErr, schemaErr))
				}
			}
		}
	}

	return summary, nil
}

func compileSchema(schemaPath string) (*jsonschema.Schema, error) {
	absSchemaPath, err := filepath.Abs(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("resolve schema path: %w", err)
	}
	if _, err := os.Stat(absSchemaPath); err != nil {
		return nil, fmt.Errorf("schema file unavailable at %s: %w", absSchemaPath, err)
	}

	compiler := jsonschema.NewCompiler()
	f, err := os.Open(absSchemaPath)
	if err != nil {
		return nil, fmt.Errorf("open schema file: %w", err)
	}
	defer f.Close()
	if err := compiler.AddResource(absSchemaPath, f); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(absSchemaPath)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateAgainstSchema(schema *jsonschema.Schema, raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}

// RenderSummary formats a summary for CLI and test output.
func RenderSummary(summary WireValidationSummary) string {
	lines := []string{fmt.Sprintf("wire fixtures: total=%d failed=%d", summary.Total, summary.Failed)}
	if len(summary.Failures) > 0 {
		lines = append(lines, "failures:")
		for _, f := range summary.Failures {
			lines = append(lines, "- "+f)
		}
	}
	return strings.Join(lines, "\n")
}

func validateHello(data []byte) error {
	var h stream.Hello
	if err := strictUnmarshal(data, &h); err != nil {
		return err
	}
	return h.Validate()
}

func validateChunkAck(data []byte) error {
	var a stream.ChunkAck
	if err := strictUnmarshal(data, &a); err != nil {
		return err
	}
	return a.Validate()
}

func validateFinalized(data []byte) error {
	var f stream.Finalized
	if err := strictUnmarshal(data, &f); err != nil {
		return err
	}
	return f.Validate()
}

func validateError(data []byte) error {
	var e stream.Error
	if err := strictUnmarshal(data, &e); err != nil {
		return err
	}
	return e.Validate()
}

func strictUnmarshal(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return fmt.Errorf("unexpected trailing JSON payload")
	}
	return nil
}
