// Package http exposes the presence engine over JSON/HTTP.
//
// Caller identity is established upstream and forwarded in the X-User-ID, X-Company-ID and
// X-User-Role (admin or agent) headers. Requests without them are rejected with 401.
//
// The router exposes the following endpoints:
//   - POST /peer-tokens: issues a single-use peer token. Response: {"token","qr_payload","expires_at"}.
//   - POST /checkins: opens a session. Body: {"site_code","partner_token","note","geo":{"lat","lng","accuracy_m"}}.
//     Responds 201 with the `sessionDTO` defined in checkin_handler.go.
//   - GET /checkins/{id}: session detail for a paired agent or a company administrator.
//   - POST /checkins/{id}/heartbeat: body {"geo"}; response {"status","drift_meters","anomaly"}.
//   - POST /checkins/{id}/complete: closes a session once its expected end has passed.
//   - POST /checkins/{id}/challenges: administrators issue a liveness challenge. Body {"ttl_seconds"}.
//   - POST /challenges/{id}/resolve: body {"passed"}.
//   - GET /anomalies, POST /anomalies/{id}/resolve: administrator anomaly review. The list accepts
//     open, session_id and limit query parameters.
//   - GET /policy, PUT /policy, GET /sites, PUT /sites/{code}: company settings. Mutations require
//     an administrator.
//   - GET /holidays, POST /holidays, DELETE /holidays/{date}, POST /holidays/sync: company holiday
//     calendar. Mutations require an administrator.
//   - GET /healthz: liveness, without identity headers.
//
// Failures carry {"error_code","message"} and, for validation failures, a per-field "errors" map.
package http
