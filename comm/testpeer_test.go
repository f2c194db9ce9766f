package comm

type fakePeer struct {
	id        PeerId
	bootId    uint64
	connected bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{id: NewPeerId(), bootId: 1, connected: true}
}

func (p *fakePeer) PeerId() PeerId    { return p.id }
func (p *fakePeer) BootId() uint64    { return p.bootId }
func (p *fakePeer) IsConnected() bool { return p.connected }
func (p *fakePeer) ShortId() string   { return p.id.String()[:8] }
