// Package storage provides interfaces and shared types for persisting
// OAuth clients, tokens, users and authorization codes.
//
// The core interfaces are:
//   - ClientStore: registered client applications and secret verification
//   - TokenStore: issued tokens, including atomic supersede-and-insert
//   - UserStore: the minimal identity records behind interactive grants
//   - FlowStore: pending one-time authorization codes
//
// Store combines all four for servers that want a single backend.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/bolt: bbolt-backed persistent storage for single-node
//     production deployments
package storage
