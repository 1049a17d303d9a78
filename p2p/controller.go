package p2p

// BlockSummary is the minimal chain-tip view the Controller reports, used
// only to advertise height to peers.
type BlockSummary struct {
	Height    uint64
	Hash      []byte
	Timestamp int64
}

// OnlineAccountData is an opaque record the Controller may choose to
// gossip; the networking core never interprets its contents.
type OnlineAccountData struct {
	AccountID string
	Payload   []byte
}

// Controller is the narrow callback interface the higher-level node logic
// implements; the networking core never imports the node's domain types,
// only this seam (spec.md §6).
type Controller interface {
	OnPeerDisconnect(peer *Peer)
	OnPeerHandshakeCompleted(peer *Peer)
	OnNetworkMessage(peer *Peer, msg Message)
	DoNetworkBroadcast(send func(peer *Peer, msg Message) error)

	GetChainTip() BlockSummary
	GetOnlineAccounts() []OnlineAccountData
}
