package reqctx

import "context"

type ContextKey string

var (
	RequestIDKey      = ContextKey("X-Request-Id")
	MethodKey         = ContextKey("X-Method")
	RouteKey          = ContextKey("X-Route")
	RemoteIPKey       = ContextKey("X-Remote-Ip")
	SourceSystemKey   = ContextKey("X-Source-System")
	SourceRecordIDKey = ContextKey("X-Source-Record-Id")
	ProcessingPathKey = ContextKey("X-Processing-Path")
)

func get(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return get(ctx, RequestIDKey)
}

func SetMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, MethodKey, method)
}

func SetRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, RouteKey, route)
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return context.WithValue(ctx, RemoteIPKey, remoteIP)
}

// SetRecord tags the context with the record currently being resolved.
func SetRecord(ctx context.Context, sourceSystem, sourceRecordID string) context.Context {
	ctx = context.WithValue(ctx, SourceSystemKey, sourceSystem)
	return context.WithValue(ctx, SourceRecordIDKey, sourceRecordID)
}

func SetProcessingPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, ProcessingPathKey, path)
}

// Fields returns the request scoped values that are set, for log enrichment.
func Fields(ctx context.Context) map[string]any {
	fields := map[string]any{}
	for name, key := range map[string]ContextKey{
		"request_id":       RequestIDKey,
		"method":           MethodKey,
		"route":            RouteKey,
		"remote_ip":        RemoteIPKey,
		"source_system":    SourceSystemKey,
		"source_record_id": SourceRecordIDKey,
		"processing_path":  ProcessingPathKey,
	} {
		if v := get(ctx, key); v != "" {
			fields[name] = v
		}
	}
	return fields
}
