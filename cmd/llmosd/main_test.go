package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/auth"
)

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"llmosd", "version"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Equal(t, daemonVersion, strings.TrimSpace(out.String()))
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"llmosd", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "mint-token")
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"llmosd", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestRunHashKey(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"llmosd", "hash-key", "local-agent-key"}, &out, &errOut)
	require.Equal(t, 0, code)

	hash := strings.TrimSpace(out.String())
	v := auth.NewValidator("", hash)
	p, err := v.Validate("local-agent-key")
	require.NoError(t, err)
	assert.Equal(t, "api_key", p.Via)
}

func TestRunHashKeyUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"llmosd", "hash-key"}, &out, &errOut)
	assert.Equal(t, 2, code)
}
