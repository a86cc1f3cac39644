package exchange

import (
	"github.com/cryguy/localworker/internal/bodystream"
	"github.com/cryguy/localworker/internal/protocol"
)

// Peer is one side's full view of the exchanges crossing its connection:
// the requests it issued (Client) and the requests it serves (Server).
type Peer struct {
	Client *Client
	Server *Server
}

// NewPeer returns a Peer whose two halves share send and alive.
func NewPeer(send bodystream.Sender, alive func() bool) *Peer {
	return &Peer{
		Client: NewClient(send, alive),
		Server: NewServer(send, alive),
	}
}

// Handle applies m if it belongs to an exchange and reports whether it did.
// Fetch messages are left to the caller, which decides how to serve them.
// Body messages are routed by subType: a response body answers a request
// this side issued, a request body belongs to one the peer issued.
func (p *Peer) Handle(m protocol.Message) bool {
	switch m := m.(type) {
	case protocol.Respond:
		p.Client.HandleRespond(m)
	case protocol.RespondError:
		p.Client.HandleRespondError(m)
	case protocol.Abort:
		p.Server.HandleAbort(m)
	case protocol.BodyChunk:
		p.routeBody(m.SubType, m)
	case protocol.BodyClose:
		p.routeBody(m.SubType, m)
	case protocol.BodyError:
		p.routeBody(m.SubType, m)
	default:
		return false
	}
	return true
}

func (p *Peer) routeBody(st protocol.SubType, m protocol.Message) {
	switch st {
	case protocol.SubTypeResponse:
		p.Client.HandleBody(m)
	case protocol.SubTypeRequest:
		p.Server.HandleBody(m)
	default:
		protocol.Violationf("%s with unknown subType %q", m.MessageType(), st)
	}
}

// FailAll settles everything in flight with err.
func (p *Peer) FailAll(err error) {
	p.Client.FailAll(err)
	p.Server.FailAll(err)
}
