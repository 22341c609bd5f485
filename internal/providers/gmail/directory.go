package gmail

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/sync"
)

// Directory lists Workspace users through the Admin SDK
type Directory struct {
	svc      *admin.Service
	customer string
}

var _ sync.Directory = (*Directory)(nil)

// NewDirectory impersonates adminEmail to read the user directory of customer
func NewDirectory(ctx context.Context, saJSONPath, adminEmail, customer string) (*Directory, error) {
	key, err := os.ReadFile(saJSONPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read service account key: %w", err)
	}
	cfg, err := google.JWTConfigFromJSON(key, admin.AdminDirectoryUserReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse service account key: %w", err)
	}
	cfg.Subject = adminEmail

	svc, err := admin.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create directory service: %w", err)
	}
	return NewDirectoryWithService(svc, customer), nil
}

// NewDirectoryWithService wraps an existing Admin SDK client
func NewDirectoryWithService(svc *admin.Service, customer string) *Directory {
	if customer == "" {
		customer = "my_customer"
	}
	return &Directory{svc: svc, customer: customer}
}

// Accounts returns every user of the customer, suspended ones flagged
func (d *Directory) Accounts(ctx context.Context) ([]mail.Account, error) {
	var accounts []mail.Account
	err := d.svc.Users.List().Customer(d.customer).OrderBy("email").MaxResults(500).
		Pages(ctx, func(page *admin.Users) error {
			for _, u := range page.Users {
				email := strings.ToLower(u.PrimaryEmail)
				if email == "" {
					continue
				}
				accounts = append(accounts, mail.Account{
					Email:     email,
					Domain:    mail.DomainOf(email),
					Suspended: u.Suspended || u.Archived,
				})
			}
			return nil
		})
	if err != nil {
		return nil, classify(fmt.Errorf("list users: %w", err))
	}
	return accounts, nil
}
