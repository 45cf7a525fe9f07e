// Package docs holds the generated OpenAPI document for the terminal
// substrate's HTTP surface. Hand-authored here in the
// same shape `swag init` produces, registered with the swaggo runtime so
// gin-swagger can serve it at /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/terminals": {
            "get": {
                "summary": "List terminal sessions",
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "summary": "Create a terminal session",
                "responses": {"201": {"description": "Created"}}
            }
        },
        "/terminals/{id}": {
            "get": {
                "summary": "Get terminal session metadata",
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            },
            "delete": {
                "summary": "Kill a terminal session",
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/terminals/{id}/resize": {
            "post": {
                "summary": "Resize a terminal session",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/terminals/{id}/output": {
            "get": {
                "summary": "Fetch the current ring-buffer snapshot",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/terminals/{id}/stream": {
            "get": {
                "summary": "Upgrade to the bidirectional terminal WebSocket stream",
                "responses": {"101": {"description": "Switching Protocols"}}
            }
        },
        "/health": {
            "get": {
                "summary": "Liveness probe",
                "responses": {"200": {"description": "OK"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so other packages can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Tower Terminal Substrate API",
	Description:      "Session CRUD and streaming surface for Tower's terminal substrate.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
