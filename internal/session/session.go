// Package session keeps a Redis record of every live WebSocket connection:
// which user it belongs to and which server instance holds it. Records expire
// on their own if a server dies without cleaning up.
package session
