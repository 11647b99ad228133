// internal/clients/membership_client.go
package clients

import (
	"context"
	"net/http"

	"bookledger/internal/membership"
)

type MembershipClient struct {
	base
}

func NewMembershipClient(baseURL string, httpClient *http.Client) *MembershipClient {
	return &MembershipClient{base: newBase(baseURL, httpClient)}
}

func (c *MembershipClient) RegisterMember(ctx context.Context, reg membership.Registration) (*membership.Member, error) {
	var member membership.Member
	if err := c.do(ctx, http.MethodPost, "/members", nil, reg, &member); err != nil {
		return nil, err
	}
	return &member, nil
}
