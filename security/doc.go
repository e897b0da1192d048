// Package security provides the rate-limiting engine and supporting
// security features for the authorization server: sliding-window quota
// enforcement with whitelisting, per-IP endpoint throttling, audit logging
// with PII protection, client IP extraction and secure response headers.
package security
