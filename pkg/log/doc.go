/*
Package log provides structured logging for Amphora built on zerolog.

Call Init once at startup, then use the global Logger or the child-logger
helpers (WithComponent, WithAccount, WithSerial) to attach contextual
fields. Output is JSON in production and a console writer during
development.
*/
package log
