package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	golden := Golden{
		"add4/O2":   {Digest: "aa", CodeSize: 40, Run: "ok"},
		"loop/O2":   {Digest: "bb", CodeSize: 80, Run: "ok"},
		"scalar/O2": {Digest: "cc", Run: "ok"},
	}
	outcomes := map[string]*Outcome{
		"add4/O2":   {Digest: "aa", CodeSize: 40, Run: "skipped", Duration: time.Second},
		"loop/O2":   {Digest: "bd", CodeSize: 80, Run: "ok"},
		"scalar/O2": {Run: "compile: out of memory"},
		"select/O2": {Digest: "dd", Run: "ok"},
	}
	results := compare(golden, outcomes)
	require.Len(t, results, 4)
	status := map[string]string{}
	for _, r := range results {
		status[r.Name] = r.Status
	}
	assert.Equal(t, map[string]string{"add4/O2": "PASS", "loop/O2": "FAIL", "scalar/O2": "ERROR", "select/O2": "NEW"}, status)
	assert.Contains(t, results[1].Diff, "bd")
}

func TestCompileOneIsDeterministic(t *testing.T) {
	a := compileOne("constants", "O2", false)
	b := compileOne("constants", "O2", false)
	require.Equal(t, "skipped", a.Run)
	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, 38, a.UniqueConsts)
	assert.Equal(t, "unknown kernel", compileOne("nope", "O2", false).Run)
}
