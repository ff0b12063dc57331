// Package api exposes the job service, the request journal and the metrics
// endpoint over HTTP.
package api
