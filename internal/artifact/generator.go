package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"circulate/internal/circulation"
)

// StampGenerator writes a patron-stamped circulation copy for each loan
// into the store's root. The returned reference is the filename, relative
// to the root, so the store can remove it when the loan ends.
type StampGenerator struct {
	store *FSStore
}

func NewStampGenerator(store *FSStore) *StampGenerator {
	return &StampGenerator{store: store}
}

// Generate implements circulation.ArtifactGenerator.
func (g *StampGenerator) Generate(_ context.Context, loan *circulation.Loan, title *circulation.Title, patron *circulation.Patron) (string, error) {
	name := fmt.Sprintf("loan-%s.txt", loan.ID)
	path := filepath.Join(g.store.root, name)

	content := fmt.Sprintf(
		"Circulation copy\n\nTitle:  %s\nAuthor: %s\nPatron: %s\nLoan:   %s\nDue:    %s\n",
		title.Title, title.Author, patron.DisplayName, loan.ID, loan.DueAt.Format("2006-01-02 15:04 UTC"),
	)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerateArtifact, err)
	}
	return name, nil
}
