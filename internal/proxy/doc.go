// Package proxy is the dispatch front-end. It accepts forward-proxy requests
// (absolute URI in the request line, any method but CONNECT), publishes each
// as a job under a fresh correlation id and holds the client connection until
// the matching result comes back over the bus. The client connection itself
// never leaves this process.
package proxy
