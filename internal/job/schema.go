package job

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/run_test.json
var runTestJSON string

//go:embed schema/run_batch.json
var runBatchJSON string

const schemaBase = "https://uirunner.local/schema/"

var (
	runTestSchema  *jsonschema.Schema
	runBatchSchema *jsonschema.Schema
)

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	mustAdd(c, schemaBase+"run_test.json", runTestJSON)
	mustAdd(c, schemaBase+"run_batch.json", runBatchJSON)
	runTestSchema = c.MustCompile(schemaBase + "run_test.json")
	runBatchSchema = c.MustCompile(schemaBase + "run_batch.json")
}

func mustAdd(c *jsonschema.Compiler, url, doc string) {
	if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
		panic(err)
	}
}

func validate(schema *jsonschema.Schema, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}
