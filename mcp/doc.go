// Package mcp defines the wire-level types of the Model Context Protocol:
// method names, request and result payloads, tool and resource descriptors,
// and content blocks. It carries no behavior beyond JSON shaping; protocol
// semantics live in the engine and transports.
package mcp
