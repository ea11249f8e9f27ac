package api

import (
	"github.com/nanjiek/pixiu-gate/internal/gateway"
	"github.com/nanjiek/pixiu-gate/internal/quota"
	"github.com/nanjiek/pixiu-gate/internal/waf"
)

type WhitelistRequest struct {
	IP string `json:"ip"`
}

type KeyRequest struct {
	TenantID    string   `json:"tenantId"`
	Plan        string   `json:"plan"`
	Scopes      []string `json:"scopes"`
	IPWhitelist []string `json:"ipWhitelist"`
	IPBlacklist []string `json:"ipBlacklist"`
}

type KeyResponse struct {
	APIKey   string `json:"apiKey"`
	TenantID string `json:"tenantId"`
	Plan     string `json:"plan"`
}

type QuotaResponse struct {
	TenantID string         `json:"tenantId"`
	Usage    quota.Snapshot `json:"usage"`
	Plan     quota.Plan     `json:"limits"`
}

type StatsResponse struct {
	WAF     waf.Stats     `json:"waf"`
	Gateway gateway.Stats `json:"gateway"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
