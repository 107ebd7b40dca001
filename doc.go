// Package hostrelay implements the host side of a relay-mediated tunnel
// connection: it dials a cloud relay over WebSocket, runs an outer SSH
// session across that socket, spins up one inner SSH server per connecting
// remote client, and forwards that client's requested ports to local TCP
// services.
package hostrelay
