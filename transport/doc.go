// Package transport provides concrete byte-channel factories over common
// broker and cache clients, each producing a duplex.Channel[[]byte] by
// pairing an incoming and outgoing port and handing them to portsink.New.
package transport
