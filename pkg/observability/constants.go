package observability

const (
	AttrTaskID     = "task.id"
	AttrTaskState  = "task.state"
	AttrWorkerName = "worker.name"
	AttrPeerName   = "peer.name"
	AttrEventKind  = "event.kind"
	AttrRPCMethod  = "rpc.method"
	AttrErrorType  = "error.type"

	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"

	SpanHTTPRequest = "http.request"
	SpanWorkerRun   = "worker.run"
	SpanPeerCall    = "peer.call"

	DefaultServiceName = "conclave"

	TracingExporterOTLP   = "otlp"
	TracingExporterStdout = "stdout"
)
