package wire

// Protocol header names
const (
	HeaderStreamNextOffset    = "Stream-Next-Offset"
	HeaderStreamCursor        = "Stream-Cursor"
	HeaderStreamUpToDate      = "Stream-Up-To-Date"
	HeaderStreamClosed        = "Stream-Closed"
	HeaderStreamSeq           = "Stream-Seq"
	HeaderStreamTTL           = "Stream-TTL"
	HeaderStreamExpiresAt     = "Stream-Expires-At"
	HeaderStreamReaderKey     = "Stream-Reader-Key"
	HeaderStreamSSEEncoding   = "Stream-SSE-Data-Encoding"
	HeaderProducerID          = "Producer-Id"
	HeaderProducerEpoch       = "Producer-Epoch"
	HeaderProducerSeq         = "Producer-Seq"
	HeaderProducerExpectedSeq = "Producer-Expected-Seq"
	HeaderProducerReceivedSeq = "Producer-Received-Seq"
)

// Query parameters understood by the read path.
const (
	ParamOffset    = "offset"
	ParamCursor    = "cursor"
	ParamLive      = "live"
	ParamReaderKey = "rk"
	ParamPublic    = "public"
)

// Live delivery modes.
const (
	LiveLongPoll   = "long-poll"
	LiveSSE        = "sse"
	LiveWS         = "ws"
	LiveWSInternal = "ws-internal"
)
