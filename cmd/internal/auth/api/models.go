package authapi

import "civic/cmd/internal/session"

// envelope is the backend's standard response wrapper.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// identityResponse is returned by login and refresh; Data may be absent.
type identityResponse = envelope[*session.Identity]

type socketTokenResponse = envelope[struct {
	SocketToken string `json:"socketToken"`
}]

type unreadCountResponse struct {
	Success bool `json:"success"`
	Count   *int `json:"count"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
