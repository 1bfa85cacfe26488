// Package docs registers the generated OpenAPI document with swag's
// runtime registry, the same mechanism `swag init` produces; it is hand
// maintained here to track internal/api's handlers since no code
// generation step runs as part of this build.
package docs

import "github.com/swaggo/swag"

// SwaggerInfo holds exported Swagger metadata, mirroring the struct shape
// swag init emits so gin-swagger's WrapHandler can resolve it by name.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Transcription Palantir API",
	Description:      "Batch audio transcription queue, watcher and worker pool",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{.Description}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/jobs": {
            "get": {
                "summary": "List jobs",
                "parameters": [
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "status", "in": "query", "type": "string"}
                ],
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "summary": "Create a job",
                "parameters": [
                    {"name": "body", "in": "body", "required": true, "schema": {"type": "object"}}
                ],
                "responses": {"201": {"description": "Created"}, "400": {"description": "Bad Request"}}
            }
        },
        "/jobs/{id}": {
            "get": {
                "summary": "Get a job",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            },
            "patch": {
                "summary": "Update job priority/metadata",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK"}, "409": {"description": "Conflict"}}
            },
            "delete": {
                "summary": "Delete a non-processing job",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"204": {"description": "No Content"}, "409": {"description": "Conflict"}}
            }
        },
        "/jobs/{id}/retry": {
            "post": {
                "summary": "Retry a failed job",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request"}}
            }
        },
        "/queue/stats": {
            "get": {
                "summary": "Counts by state",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/queue/clean-failed": {
            "post": {
                "summary": "Purge FAILED job records",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/system/reconcile": {
            "post": {
                "summary": "Trigger the reconciler",
                "responses": {"200": {"description": "OK"}}
            }
        }
    }
}`
