package frame

// Wire opcodes. The framer never interprets them; they live here so
// every layer shares one table.
const (
	OpAck   byte = 0x00 // S→C generic ack, empty payload
	OpError byte = 0xFF // S→C error, UTF-8 reason

	// APPKEY provisioning (A-phase).
	OpKeyRequest   byte = 0xA0 // C→S request challenge, empty
	OpKeyDelivery  byte = 0xA1 // S→C raw 32 B key or wrapped 32+16 B
	OpKeyChallenge byte = 0xA2 // S→C salt(16) | iters(4 LE) | chal(16)
	OpKeyProof     byte = 0xA3 // C→S HMAC-SHA256 proof (32 B)

	// Session handshake (B-phase).
	OpServerHello  byte = 0xB0 // S→C srvPub(65) | sid(4 BE)
	OpClientHello  byte = 0xB1 // C→S cliPub(65) | mac(16)
	OpServerFinish byte = 0xB2 // S→C mac(16)
	OpEnvelope     byte = 0xB3 // both: seq(2 BE) | clen(2 BE) | cipher | mac(16)

	// Application operations (inner frames unless noted).
	OpSetLayout    byte = 0xC0 // C→S UTF-8 layout code
	OpGetInfo      byte = 0xC1 // C→S empty
	OpInfo         byte = 0xC2 // S→C ASCII "LAYOUT=...; ..." fields
	OpFactoryReset byte = 0xC4 // C→S empty
	OpFastKeys     byte = 0xC8 // C→S [0x01]
	OpTypeString   byte = 0xD0 // C→S UTF-8 bytes
	OpTypeResult   byte = 0xD1 // S→C status(1) | md5(16)
	OpRawKey       byte = 0xE0 // C→S [mods][usage] or [mods][usage][repeat], plain-framed
)
