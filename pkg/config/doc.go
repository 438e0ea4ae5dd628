/*
Package config loads and validates the Amphora deployment configuration.

Configuration comes from a YAML file layered over compiled-in defaults;
command-line flags may override individual values. Validation rejects
settings the backend cannot run with, such as a non power-of-two block
size or an unknown hash algorithm.
*/
package config
