/*
Package auth implements fingerprint-bound session tokens.

Tokens are RS256-signed with a key id header for rotation, carry the user
email as subject plus a role claim, and expire after a short lifetime.
Each session also gets a random fingerprint: its SHA-256 is embedded in
the token and the raw value travels in an HttpOnly cookie. Verification
checks the signature (with bounded clock skew), the issuer, the
constant-time fingerprint binding, and a revocation denylist keyed by the
SHA-256 digest of the whole token.

A stolen token without the cookie, or a stolen cookie without the token,
is useless. All verification failures surface as the same opaque 401.

Revocation is an idempotent denylist insert that expires with the token;
a cron sweep removes entries past their expiry.
*/
package auth
