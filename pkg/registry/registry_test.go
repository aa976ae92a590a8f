package registry

import (
	"testing"

	"coordinator/pkg/event"
)

type stubConn struct {
	id   string
	live bool
}

func (c *stubConn) AgentID() string              { return c.id }
func (c *stubConn) Send(_ *event.Envelope) error { return nil }
func (c *stubConn) Connected() bool              { return c.live }

func TestRegisterReplacesOnReconnect(t *testing.T) {
	r := New()
	first := &stubConn{id: "a", live: true}
	second := &stubConn{id: "a", live: true}

	r.Register(first)
	r.Register(second)

	if got := r.ConnectionForAgent("a"); got != Connection(second) {
		t.Error("reconnect did not replace the old connection")
	}
	if r.IsConnected(first) {
		t.Error("stale connection still reported as connected")
	}
	if !r.IsConnected(second) {
		t.Error("current connection not reported as connected")
	}
}

func TestUnregisterRemovesChannelMembership(t *testing.T) {
	r := New()
	r.Register(&stubConn{id: "a", live: true})
	r.Join("a", "ch-1")
	r.Join("a", "ch-2")

	r.Unregister("a")

	if r.ConnectionForAgent("a") != nil {
		t.Error("connection survived unregister")
	}
	for _, ch := range []string{"ch-1", "ch-2"} {
		if members := r.Members(ch); len(members) != 0 {
			t.Errorf("channel %s still has members %v", ch, members)
		}
	}
}

func TestChannelGroupSkipsMembersWithoutConnections(t *testing.T) {
	r := New()
	r.Register(&stubConn{id: "a", live: true})
	r.Join("a", "ch-1")
	r.Join("b", "ch-1") // member with no live connection

	group := r.ChannelGroup("ch-1")
	if len(group) != 1 || group[0].AgentID() != "a" {
		t.Errorf("ChannelGroup = %v, want just agent a", group)
	}
}

func TestConnectionForUnknownAgentIsNil(t *testing.T) {
	r := New()
	if r.ConnectionForAgent("ghost") != nil {
		t.Error("unknown agent returned a connection")
	}
	if r.ChannelGroup("no-such-channel") != nil {
		t.Error("unknown channel returned a group")
	}
}

func TestLeaveShrinksGroup(t *testing.T) {
	r := New()
	r.Register(&stubConn{id: "a", live: true})
	r.Register(&stubConn{id: "b", live: true})
	r.Join("a", "ch-1")
	r.Join("b", "ch-1")

	r.Leave("a", "ch-1")

	group := r.ChannelGroup("ch-1")
	if len(group) != 1 || group[0].AgentID() != "b" {
		t.Errorf("group after leave = %v, want just agent b", group)
	}
}
