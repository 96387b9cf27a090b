/*
Package httpserver implements sevd, the guest-owner daemon. It exposes the
launch workflow of one orchestrator over HTTP so provisioning automation can
drive SEV launches without holding session keys itself.

# Launch API

  - POST /api/launch/{vm_id}/certificates: validate the platform
    certificates, generate the guest-owner certificate and launch blob and
    upload them. The body optionally selects the policy:
    {"policy":"0x3f"} or {"flags":{...},"min_firmware":"1.51"}.
  - POST /api/launch/{vm_id}/secret: verify the launch measurement and
    inject the secret, {"disk_passphrase":"..."} or
    {"entries":[{"guid":"...","value":"<base64>"}]}. Returns the VM.
  - GET /api/launch/{vm_id}, GET /api/launch: launch state records.
  - DELETE /api/launch/{vm_id}: end the session and erase its keys.
  - POST /api/policy: encode a policy request.

Errors map to statuses: measurement mismatch 422, missing session 404,
operation in progress 409, invalid input 400, orchestrator or certificate
chain failure 502.

# Operations

  - GET /livez, /readyz: liveness and readiness
  - GET /drain, /undrain: toggle readiness for load balancer draining
  - Prometheus metrics on a separate listener
  - pprof under /debug when enabled
*/
package httpserver
