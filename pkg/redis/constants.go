package redis

import "time"

// Key entities shared with the durable services.
const (
	EntityPresence = "presence" // presence:<userId> hash {status, lastSeen}
	EntitySockets  = "sockets"  // sockets:<userId> set of connection ids
	EntityTyping   = "typing"   // typing:<chatId> set of user ids
	EntityCall     = "call"     // call:<callId> JSON call state
)

// TTL constants defines the time-to-live durations for different types of data
const (
	TTLPresence   = 5 * time.Minute  // online presence record
	TTLSockets    = 5 * time.Minute  // socket set, refreshed on every add
	TTLTyping     = 10 * time.Second // typing set, refreshed on every add
	TTLCallActive = 1 * time.Hour    // call state while ringing/connecting/connected
	TTLCallEnded  = 5 * time.Minute  // call state kept after end/decline
)
