/*
Package api exposes the storage backend over HTTP/JSON.

Routes follow the account/container/object hierarchy under /v1, with
the authenticated principal carried in the X-Auth-User header; identity
verification happens upstream. Fault kinds map one-to-one onto HTTP
status codes, and a conflict caused by unreferenced block hashes ships
the missing list in the response body so clients can upload and retry.
/healthz and /metrics are served unauthenticated, as is /public/{token}
resolution.
*/
package api
