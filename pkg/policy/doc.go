/*
Package policy stores per-node policies: quota (bytes, 0 = unbounded),
versioning mode (auto or none), and the project charged for the node's
bytes. Values are validated on set; absent keys fall back to
per-deployment defaults applied by the storage façade.
*/
package policy
