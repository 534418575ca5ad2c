package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/f3rmion/frostd/coordinator"
	"github.com/f3rmion/frostd/custody"
	"github.com/f3rmion/frostd/signer"
)

const demoKeyID = "demo"

func demoCmd(configPath *string) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a 2-of-3 key ceremony and one signing session in process",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return runDemo(cmd.Context(), a, message, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&message, "message", "frostd demo", "message to sign (hashed with SHA-256)")
	return cmd
}

func guardianName(id int) string { return fmt.Sprintf("guardian-%d", id) }

func runDemo(ctx context.Context, a *app, message string, out io.Writer) error {
	grp, err := signer.RunLocalDKG(rand.Reader, a.suite.Group(), a.suite.Hasher(), 2, 3)
	if err != nil {
		return errors.Wrap(err, "key ceremony")
	}

	key := custody.Key{KeyID: demoKeyID, GroupKey: grp.GroupKey.Bytes()}
	participants := make([]string, 0, len(grp.Participants))
	for _, p := range grp.Participants {
		key.Members = append(key.Members, custody.Member{
			ParticipantID:     guardianName(p.ID()),
			Index:             uint64(p.ID()),
			VerificationShare: grp.PublicShares[p.ID()].Bytes(),
		})
		participants = append(participants, guardianName(p.ID()))
	}
	if err := a.keys.Register(key); err != nil {
		return err
	}

	digest := sha256.Sum256([]byte(message))
	sid, err := a.coord.CreateSession(ctx, coordinator.CreateSessionRequest{
		Initiator:     "demo",
		KeyID:         demoKeyID,
		Participants:  participants,
		Threshold:     2,
		MessageDigest: digest[:],
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "created %s\n", sid)

	signers := grp.Participants[:2]
	rounds := make([]*signer.SigningRound, len(signers))
	for i, p := range signers {
		r, err := p.Commit(rand.Reader, sid, digest[:])
		if err != nil {
			return err
		}
		status, err := a.coord.SubmitNonceCommitment(ctx, sid, guardianName(p.ID()), r.Commitment())
		if err != nil {
			return err
		}
		rounds[i] = r
		fmt.Fprintf(out, "%s committed, session %s\n", guardianName(p.ID()), status)
	}

	snap, err := a.coord.GetSession(ctx, sid)
	if err != nil {
		return err
	}
	for i, r := range rounds {
		share, err := r.Sign(snap.NonceCommitments)
		if err != nil {
			return err
		}
		if _, err := a.coord.SubmitPartialSignature(ctx, sid, guardianName(signers[i].ID()), share); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s signed\n", guardianName(signers[i].ID()))
	}

	done, err := a.coord.Aggregate(ctx, sid)
	if err != nil {
		return err
	}
	sig, err := a.suite.DecodeSignature(done.FinalSignature)
	if err != nil {
		return err
	}
	if !a.suite.Verify(done.MessageDigest, sig, grp.GroupKey) {
		return errors.New("signature does not verify under the group key")
	}

	fmt.Fprintf(out, "session %s %s\n", sid, done.Status)
	fmt.Fprintf(out, "group key: %s\n", hex.EncodeToString(grp.GroupKey.Bytes()))
	fmt.Fprintf(out, "signature: %s\n", hex.EncodeToString(done.FinalSignature))
	return printJSON(out, done)
}
