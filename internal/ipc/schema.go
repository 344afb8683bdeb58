package ipc

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.schema.json
var schemaFS embed.FS

const (
	inboundSchemaURL  = "https://voxpaste.dev/schema/ipc/inbound.schema.json"
	outboundSchemaURL = "https://voxpaste.dev/schema/ipc/outbound.schema.json"
)

// ErrMalformed is returned for payloads that are not valid JSON or do not
// match the message schema.
var ErrMalformed = errors.New("ipc: malformed message")

var (
	schemasOnce sync.Once
	inSchema    *jsonschema.Schema
	outSchema   *jsonschema.Schema
	schemasErr  error
)

func loadSchemas() error {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		for url, file := range map[string]string{
			inboundSchemaURL:  "schema/inbound.schema.json",
			outboundSchemaURL: "schema/outbound.schema.json",
		} {
			data, err := schemaFS.ReadFile(file)
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", file, err)
				return
			}
			if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("add schema resource %s: %w", file, err)
				return
			}
		}

		if inSchema, schemasErr = compiler.Compile(inboundSchemaURL); schemasErr != nil {
			return
		}
		outSchema, schemasErr = compiler.Compile(outboundSchemaURL)
	})
	return schemasErr
}

func decode(schema *jsonschema.Schema, line []byte, v any) error {
	var raw any
	if err := json.Unmarshal(line, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// DecodeInbound parses and validates one helper-to-daemon line.
func DecodeInbound(line []byte) (Inbound, error) {
	var m Inbound
	if err := loadSchemas(); err != nil {
		return m, err
	}
	err := decode(inSchema, line, &m)
	return m, err
}

// DecodeOutbound parses and validates one daemon-to-helper line.
func DecodeOutbound(line []byte) (Outbound, error) {
	var m Outbound
	if err := loadSchemas(); err != nil {
		return m, err
	}
	err := decode(outSchema, line, &m)
	return m, err
}

// Encode marshals a message as one line including the trailing newline.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
