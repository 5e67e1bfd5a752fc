// Package webhook turns signed GitHub and JIRA comment webhooks into agent runs.
//
// Every endpoint verifies an HMAC-SHA256 signature over the raw body before
// looking at it. A verified delivery is parsed for its source; a new comment
// that contains the mention token (default "@dexter") becomes an agent.run job
// for the derived workspace key:
//
//   - GitHub issue and pull request comments: gh-<owner>-<repo>-<number>
//   - JIRA comments: the issue key, e.g. DXTR-123
//
// Anything else (other events, edited comments, bot authors, no mention) is
// acknowledged with 202 and "ignored" so the sender does not retry it.
//
// Configuration:
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  mention: "@dexter"
//	  endpoints:
//	    - path: /webhook/github
//	      source: github
//	      secret: ${GITHUB_WEBHOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 1MB
//	    - path: /webhook/jira
//	      source: jira
//	      secret: ${JIRA_WEBHOOK_SECRET}
//
// Error responses:
//
//   - 403 Forbidden: invalid or missing signature (no details)
//   - 400 Bad Request: signed body that is not valid JSON for its source
//   - 413 Payload Too Large: body exceeds max_body_size
//   - 500 Internal Server Error: job enqueueing failed
package webhook
