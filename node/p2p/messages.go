package p2p

const (
	CmdVersion = "version"
	CmdVerack  = "verack"

	CmdPing    = "ping"
	CmdPong    = "pong"
	CmdAddr    = "addr"
	CmdGetAddr = "getaddr"

	CmdInv        = "inv"
	CmdGetData    = "getdata"
	CmdNotFound   = "notfound"
	CmdGetBlocks  = "getblocks"
	CmdGetHeaders = "getheaders"
	CmdHeaders    = "headers"
	CmdBlock      = "block"
	CmdTx         = "tx"
	CmdMempool    = "mempool"
)

const (
	// ProtocolVersion is the version this node speaks.
	ProtocolVersion uint32 = 1
	// MinProtocolVersion is the oldest peer version accepted during the
	// handshake.
	MinProtocolVersion uint32 = 1
)

const (
	// MaxAddrPerMessage bounds one addr payload.
	MaxAddrPerMessage = 1000
	// MaxBlocksPerResponse bounds a getblocks inventory reply.
	MaxBlocksPerResponse = 500
	// MaxHeadersPerMessage bounds a headers reply.
	MaxHeadersPerMessage = 2000
)

// Ban score deltas by offense class.
const (
	BanScoreProtocol  = 10
	BanScoreConsensus = 100
)
