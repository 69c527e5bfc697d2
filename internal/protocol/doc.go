// Package protocol defines the messages exchanged with worker agents and the
// payloads carried on the inter-process bus.
//
// Worker frames are JSON objects with a "type" field:
//
//	worker -> plane   auth       user_agent, browser, platform
//	plane  -> worker  auth_success  bot_id, heartbeat_interval (ms)
//	plane  -> worker  ping
//	worker -> plane   pong
//	plane  -> worker  request    request_id, method, url, headers, body
//	worker -> plane   response   request_id, status, headers, body, error?
//
// Bus payloads are Job (topic job.submitted) and Result (topic job.completed).
package protocol
