/*
Package api holds the wire types of the orchestrator HTTP API and the
Orchestrator interface the guest owner drives a launch through.

The orchestrator is the platform-side service that creates VMs, hands out
the platform certificates, accepts the guest owner certificates, reports
the launch measurement and receives the encrypted secret:

	GET  /platform/certificates       zip of pdh/pek/oca/cek/ask_ark certificates
	POST /vm                          create a VM
	GET  /vm/{id}                     describe a VM
	POST /vm/{id}/upload-image        upload the disk image tarball (multipart)
	POST /vm/{id}/upload-guest-owner-certificates
	                                  upload godh.cert and launch_blob.bin (zip, multipart)
	POST /vm/{id}/start               start the VM paused for measurement
	GET  /vm/{id}/sev/measure         launch measurement and sev_info
	POST /vm/{id}/sev/inject-secret   base64 packet header and encrypted secret table

The orchestrator subpackage provides the HTTP client.
*/
package api
