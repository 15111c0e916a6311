package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the control API.
func buildOpenAPIDoc() map[string]any {
	secured := []any{map[string]any{"BearerAuth": []string{}}}
	jsonBody := func(schema map[string]any) map[string]any {
		return map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{"schema": schema},
			},
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "smsbridge control API",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/healthz": map[string]any{
				"get": map[string]any{
					"operationId": "healthz",
					"summary":     "Bridge process, request and queue status",
					"responses":   map[string]any{"200": map[string]any{"description": "OK"}},
				},
			},
			"/records": map[string]any{
				"post": map[string]any{
					"operationId": "notifyRecord",
					"summary":     "Queue a changed store record for reporting",
					"security":    secured,
					"requestBody": jsonBody(map[string]any{
						"type":       "object",
						"required":   []string{"uri"},
						"properties": map[string]any{"uri": map[string]any{"type": "string"}},
					}),
					"responses": map[string]any{
						"202": map[string]any{"description": "Record queued"},
						"400": map[string]any{"description": "Bad request"},
					},
				},
			},
			"/outcomes": map[string]any{
				"post": map[string]any{
					"operationId": "reportOutcome",
					"summary":     "Report a delivery outcome for a send request",
					"security":    secured,
					"requestBody": jsonBody(map[string]any{
						"type":     "object",
						"required": []string{"command_id", "result_code"},
						"properties": map[string]any{
							"command_id":  map[string]any{"type": "integer"},
							"uri":         map[string]any{"type": "string"},
							"result_code": map[string]any{"type": "integer"},
							"error_code":  map[string]any{"type": "string"},
						},
					}),
					"responses": map[string]any{
						"200": map[string]any{"description": "Outcome sent to the bridge"},
						"400": map[string]any{"description": "Bad request"},
						"502": map[string]any{"description": "Bridge unavailable"},
					},
				},
			},
			"/bridge/stop": map[string]any{
				"post": map[string]any{
					"operationId": "stopBridge",
					"summary":     "Terminate the bridge process",
					"security":    secured,
					"responses":   map[string]any{"200": map[string]any{"description": "Stopped"}},
				},
			},
			"/bridge/reset": map[string]any{
				"post": map[string]any{
					"operationId": "resetBridge",
					"summary":     "Stop the bridge and delete its database, logs and cache",
					"security":    secured,
					"responses":   map[string]any{"200": map[string]any{"description": "Reset report"}},
				},
			},
			"/events": map[string]any{
				"get": map[string]any{
					"operationId": "events",
					"summary":     "Server-sent event stream",
					"security":    secured,
					"parameters": []any{
						map[string]any{
							"name":        "types",
							"in":          "query",
							"description": "Comma-separated event types to stream, e.g. process.exited,record.reported",
							"schema":      map[string]any{"type": "string"},
						},
						map[string]any{
							"name":   "Last-Event-ID",
							"in":     "header",
							"schema": map[string]any{"type": "integer"},
						},
					},
					"responses": map[string]any{"200": map[string]any{"description": "text/event-stream"}},
				},
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}
