package shared

// Version is stamped into log records by the entrypoints.
const Version = "0.3.1"
