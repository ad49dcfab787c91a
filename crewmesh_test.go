package crewmesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/crewmesh/config"
	"github.com/hupe1980/crewmesh/crew"
	"github.com/hupe1980/crewmesh/model"
)

func TestFacadeRespond(t *testing.T) {
	mesh := New()

	mock := model.NewMockModel("mock", "mock")
	mock.Enqueue(model.Response{Text: `{"kind": "direct"}`})
	mock.Enqueue(model.Response{Text: "hello from the crew"})
	mesh.RegisterModel("mock:default", mock)

	c := &crew.Crew{
		ID: "c1",
		Agents: []crew.AgentProfile{
			{ID: "sup", Role: crew.RoleSupervisor, Model: "mock:default"},
		},
	}

	answer, err := mesh.Respond(context.Background(), c, "conv-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello from the crew", answer)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = ":memory:"

	mesh, err := NewFromConfig(cfg)
	require.NoError(t, err)

	mock := model.NewMockModel("mock", "mock")
	mock.Enqueue(model.Response{Text: `{"kind": "direct"}`})
	mock.Enqueue(model.Response{Text: "persisted answer"})
	mesh.RegisterModel("mock:default", mock)

	c := &crew.Crew{
		ID: "c1",
		Agents: []crew.AgentProfile{
			{ID: "sup", Role: crew.RoleSupervisor, Model: "mock:default"},
		},
	}

	answer, err := mesh.Respond(context.Background(), c, "conv-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "persisted answer", answer)
}
