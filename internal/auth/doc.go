// Package auth gates write and admin requests. The rest of the system
// consumes only the yes/no answer; credential shapes (static bearer token,
// API keys, HS256 JWTs) are contained here.
package auth
