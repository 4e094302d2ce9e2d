package tools

import (
	"context"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// RegisterCompositeTools installs the composite ops. Each expands into
// sub-calls through the registry itself so the safety envelope, validation,
// and logging apply to every step.
func RegisterCompositeTools(reg *Registry) {
	reg.MustRegister(
		New("fill_form",
			"Fill multiple form fields in one call and optionally submit. Field failures are reported per field; the rest still run.",
			schemaObject(map[string]interface{}{
				"sessionId": schemaString("Browser session id"),
				"tabId":     schemaString("Tab id; defaults to the active tab"),
				"fields": schemaArray("Fields to fill", schemaObject(map[string]interface{}{
					"elementId": schemaString("Target element id"),
					"value":     schemaString("Value to enter"),
					"kind":      schemaEnum("Field kind", "text", "select"),
				}, "elementId", "value")),
				"submitElementId": schemaString("Element to click after filling"),
			}, "sessionId", "fields"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				rawFields, ok := args["fields"].([]interface{})
				if !ok || len(rawFields) == 0 {
					return nil, protocol.NewError(protocol.CodeInvalidParameter, "fields must be a non-empty array")
				}

				base := map[string]interface{}{"sessionId": args["sessionId"]}
				if tabID := argString(args, "tabId"); tabID != "" {
					base["tabId"] = tabID
				}

				var results []map[string]interface{}
				failed := 0
				for _, rf := range rawFields {
					field, _ := rf.(map[string]interface{})
					elementID := argString(field, "elementId")
					sub := map[string]interface{}{"elementId": elementID}
					for k, v := range base {
						sub[k] = v
					}

					toolName := "type_text"
					if argString(field, "kind") == "select" {
						toolName = "select_option"
						sub["value"] = field["value"]
					} else {
						sub["text"] = field["value"]
					}

					res := reg.Invoke(ctx, toolName, sub)
					entry := map[string]interface{}{"elementId": elementID, "ok": !res.IsError()}
					if res.IsError() {
						failed++
						entry["error"] = protocol.MessageOf(res.Err)
						entry["errorCode"] = res.ErrorCode()
					}
					results = append(results, entry)
				}

				out := map[string]interface{}{
					"fields":  results,
					"filled":  len(results) - failed,
					"failed":  failed,
					"success": failed == 0,
				}

				if submit := argString(args, "submitElementId"); submit != "" && failed == 0 {
					sub := map[string]interface{}{"elementId": submit}
					for k, v := range base {
						sub[k] = v
					}
					res := reg.Invoke(ctx, "click", sub)
					out["submitted"] = !res.IsError()
					if res.IsError() {
						out["success"] = false
						out["error"] = protocol.MessageOf(res.Err)
					}
				}
				return out, nil
			}),

		New("click_and_wait",
			"Click an element, wait for the page to settle, and return the fresh page snapshot.",
			schemaObject(map[string]interface{}{
				"sessionId": schemaString("Browser session id"),
				"tabId":     schemaString("Tab id; defaults to the active tab"),
				"elementId": schemaString("Element to click"),
				"timeoutMs": schemaNumber("Stability timeout in milliseconds"),
			}, "sessionId", "elementId"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				base := map[string]interface{}{"sessionId": args["sessionId"]}
				if tabID := argString(args, "tabId"); tabID != "" {
					base["tabId"] = tabID
				}

				clickArgs := map[string]interface{}{"elementId": args["elementId"]}
				for k, v := range base {
					clickArgs[k] = v
				}
				if res := reg.Invoke(ctx, "click", clickArgs); res.IsError() {
					return nil, res.Err
				}

				waitArgs := map[string]interface{}{}
				for k, v := range base {
					waitArgs[k] = v
				}
				if ms := argInt(args, "timeoutMs", 0); ms > 0 {
					waitArgs["timeoutMs"] = ms
				}
				// settle failure is not fatal: the click may not trigger navigation
				_ = reg.Invoke(ctx, "wait_for_stable", waitArgs)

				infoArgs := map[string]interface{}{"withElements": true}
				for k, v := range base {
					infoArgs[k] = v
				}
				res := reg.Invoke(ctx, "get_page_info", infoArgs)
				if res.IsError() {
					return nil, res.Err
				}
				return res.Data, nil
			}),

		New("navigate_and_extract",
			"Navigate to a URL and return the page snapshot together with its readable content.",
			schemaObject(map[string]interface{}{
				"sessionId":    schemaString("Browser session id"),
				"tabId":        schemaString("Tab id; defaults to the active tab"),
				"url":          schemaString("Absolute http(s) URL"),
				"withElements": schemaBool("Include the element list in the snapshot"),
			}, "sessionId", "url"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				base := map[string]interface{}{"sessionId": args["sessionId"]}
				if tabID := argString(args, "tabId"); tabID != "" {
					base["tabId"] = tabID
				}

				navArgs := map[string]interface{}{"url": args["url"]}
				for k, v := range base {
					navArgs[k] = v
				}
				if res := reg.Invoke(ctx, "navigate", navArgs); res.IsError() {
					return nil, res.Err
				}

				infoArgs := map[string]interface{}{"withElements": argBool(args, "withElements", false)}
				for k, v := range base {
					infoArgs[k] = v
				}
				infoRes := reg.Invoke(ctx, "get_page_info", infoArgs)
				if infoRes.IsError() {
					return nil, infoRes.Err
				}

				contentArgs := map[string]interface{}{}
				for k, v := range base {
					contentArgs[k] = v
				}
				contentRes := reg.Invoke(ctx, "get_page_content", contentArgs)

				out := map[string]interface{}{"page": infoRes.Data}
				if contentRes.IsError() {
					out["contentError"] = protocol.MessageOf(contentRes.Err)
				} else {
					out["content"] = contentRes.Data
				}
				return out, nil
			}),
	)
}
