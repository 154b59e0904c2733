package plan

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucketPlan = `{
  "format_version": "1.2",
  "terraform_version": "1.9.5",
  "resource_changes": [
    {
      "address": "aws_s3_bucket.logs",
      "type": "aws_s3_bucket",
      "name": "logs",
      "mode": "managed",
      "change": {
        "actions": ["create"],
        "before": null,
        "after": {
          "bucket": "acme-logs",
          "acl": null,
          "force_destroy": false,
          "tags": {"Environment": "prod", "Owner": "platform"},
          "lifecycle_rule": [{"enabled": true, "expiration": [{"days": 90}]}]
        },
        "after_unknown": {"arn": true, "id": true, "tags": {}, "lifecycle_rule": [{"id": true}]}
      }
    },
    {
      "address": "aws_s3_bucket.old",
      "type": "aws_s3_bucket",
      "name": "old",
      "mode": "managed",
      "change": {
        "actions": ["delete"],
        "before": {"bucket": "acme-old"},
        "after": null
      }
    }
  ]
}`

func TestParseBuildsResources(t *testing.T) {
	doc, err := Parse([]byte(bucketPlan))
	require.NoError(t, err)

	assert.Equal(t, "1.9.5", doc.TerraformVersion)
	require.Len(t, doc.Resources, 2)

	logs := doc.Resources[0]
	assert.Equal(t, "aws_s3_bucket.logs", logs.Address)
	assert.Equal(t, ModeManaged, logs.Mode)
	assert.Equal(t, []Action{ActionCreate}, logs.Actions)
	assert.Nil(t, logs.Before)
	assert.Equal(t, 0, logs.Position)

	old := doc.Resources[1]
	assert.True(t, old.IsDelete())
	assert.NotNil(t, old.After, "after:null is normalized to an empty mapping")
	assert.Empty(t, old.After)
}

func TestParseNormalizesNumbers(t *testing.T) {
	doc, err := Parse([]byte(bucketPlan))
	require.NoError(t, err)

	v := Lookup(doc.Resources[0], MustParsePath("lifecycle_rule.0.expiration.0.days"))
	n, ok := v.Number()
	require.True(t, ok)
	assert.Equal(t, float64(90), n)
}

func TestParseRejectsMalformedPlans(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		address string
	}{
		{"invalid json", `{"resource_changes": [`, ""},
		{"missing resource_changes", `{}`, ""},
		{"missing type", `{"resource_changes":[{"address":"a.b","mode":"managed","change":{"actions":["create"],"after":{}}}]}`, ""},
		{"empty type", `{"resource_changes":[{"address":"a.b","type":"","mode":"managed","change":{"actions":["create"],"after":{}}}]}`, ""},
		{"after is a list", `{"resource_changes":[{"address":"a.b","type":"a","mode":"managed","change":{"actions":["create"],"after":[]}}]}`, ""},
		{"before is a string", `{"resource_changes":[{"address":"a.b","type":"a","mode":"managed","change":{"actions":["update"],"before":"x","after":{}}}]}`, ""},
		{"unknown action", `{"resource_changes":[{"address":"a.b","type":"a","mode":"managed","change":{"actions":["explode"],"after":{}}}]}`, ""},
		{"bad mode", `{"resource_changes":[{"address":"a.b","type":"a","mode":"other","change":{"actions":["create"],"after":{}}}]}`, ""},
		{"duplicate address", `{"resource_changes":[
			{"address":"a.b","type":"a","mode":"managed","change":{"actions":["create"],"after":{}}},
			{"address":"a.b","type":"a","mode":"managed","change":{"actions":["create"],"after":{}}}]}`, "a.b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)

			var mpe *MalformedPlanError
			require.True(t, errors.As(err, &mpe), "expected MalformedPlanError, got %T", err)
			assert.Equal(t, tt.address, mpe.Address)
			assert.Contains(t, err.Error(), "malformed plan")
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)

	var mpe *MalformedPlanError
	assert.False(t, errors.As(err, &mpe), "a missing file is an I/O error, not a malformed plan")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, []byte(bucketPlan), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, doc.Resources, 2)
}
