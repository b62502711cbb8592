package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/safety-monitor/internal/model"
	"github.com/sells-group/safety-monitor/internal/review"
)

var postsCmd = &cobra.Command{
	Use:   "posts",
	Short: "List and review draft posts",
}

// -- posts list --

var postsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List posts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		posts, err := st.ListPosts(ctx, model.PostFilter{Status: model.PostStatus(status), Limit: limit})
		if err != nil {
			return eris.Wrap(err, "posts list")
		}

		if len(posts) == 0 {
			fmt.Fprintln(os.Stderr, "No posts found.")
			return nil
		}

		formatPostsList(os.Stdout, posts)
		return nil
	},
}

// -- posts show --

var postsShowCmd = &cobra.Command{
	Use:   "show <post-id>",
	Short: "Show a post in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		post, err := st.GetPost(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "posts show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(post)
	},
}

// -- posts review --

var postsReviewCmd = &cobra.Command{
	Use:   "review <post-id> <submit|approve|reject|request-changes|publish>",
	Short: "Apply a review action to a post",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		action, err := model.ParseReviewAction(args[1])
		if err != nil {
			return err
		}
		reviewer, _ := cmd.Flags().GetString("reviewer")
		notes, _ := cmd.Flags().GetString("notes")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		post, err := review.New(st).Apply(ctx, args[0], model.Review{
			Action:   action,
			Reviewer: reviewer,
			Notes:    notes,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "post %s is now %s\n", post.ID, post.Status)
		return nil
	},
}

func init() {
	postsListCmd.Flags().String("status", "", "filter by status (draft, pending_review, approved, published, rejected)")
	postsListCmd.Flags().Int("limit", 50, "max number of posts to display")

	postsReviewCmd.Flags().String("reviewer", os.Getenv("USER"), "reviewer name recorded on the post")
	postsReviewCmd.Flags().String("notes", "", "review notes (required for reject and request-changes)")

	postsCmd.AddCommand(postsListCmd)
	postsCmd.AddCommand(postsShowCmd)
	postsCmd.AddCommand(postsReviewCmd)
	rootCmd.AddCommand(postsCmd)
}

// formatPostsList writes a tabular list of posts to out.
func formatPostsList(out io.Writer, posts []model.Post) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tTITLE\tREVIEWER\tCREATED")
	for _, p := range posts {
		id := p.ID
		if len(id) > 8 {
			id = id[:8]
		}
		title := p.Title
		if r := []rune(title); len(r) > 50 {
			title = string(r[:47]) + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			id, p.Status, title, p.ReviewedBy, p.CreatedAt.UTC().Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}
