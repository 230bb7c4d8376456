// Package newsletter implements the campaign application service.
//
// SendNewsletter is idempotent per campaign title: the first call freezes the
// content and recipient list, and later calls with the same title resume the
// stored campaign, retrying failed deliveries and skipping sent ones.
//
// The service depends on the Store and ContactDirectory interfaces defined in
// repository.go and on sending.Sender. Implementations live in
// repository/postgres, repository/bolt, ses and smtp.
package newsletter
