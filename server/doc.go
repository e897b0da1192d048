// Package server implements the OAuth authorization server core: request
// validation for the authorization and token endpoints, the consent and
// exchange flows, token issuance with single-live-token rotation, client
// application management, and the resolvers feeding the two-tier rate
// limiter. The root package exposes it over HTTP.
package server
