package conventions_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slok/agentline/internal/conventions"
)

func TestPaths(t *testing.T) {
	assert.Equal(t, "/home/alice/.agentline", conventions.DataDir("/home/alice"))
	assert.Equal(t, "/home/alice/.agentline/agentline.db", conventions.DBPath("/home/alice"))
	assert.Equal(t, "/home/alice/.agentline/agentline.yaml", conventions.ConfigPath("/home/alice"))
}
