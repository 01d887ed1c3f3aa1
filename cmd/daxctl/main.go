// Command daxctl inspects and administers an already-formatted daxfs
// image: a main-branch summary, directory listings, file reads, and
// branch create/commit/abort. It does not dump the superblock or the
// branch table, and it does not format images; that
// is a library-level operation hosts perform when they own the region.
package main

import (
	"fmt"
	"os"

	"github.com/multikernel/daxfs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var imagePath string

func main() {
	root := &cobra.Command{
		Use:   "daxctl",
		Short: "Inspect and administer a daxfs image",
	}
	root.PersistentFlags().StringVar(&imagePath, "image", "", "path to the daxfs image file")
	root.MarkPersistentFlagRequired("image")

	root.AddCommand(infoCmd(), lsCmd(), catCmd(), branchCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("daxctl: command failed")
		os.Exit(1)
	}
}

func openImage() (*daxfs.Image, error) {
	region, err := daxfs.OpenRegionFile(imagePath)
	if err != nil {
		return nil, err
	}
	img, err := daxfs.OpenImage(region)
	if err != nil {
		region.Close()
		return nil, err
	}
	return img, nil
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the main branch's id and name",
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := openImage()
			if err != nil {
				return err
			}
			defer img.Close()

			head := img.Head()
			fmt.Printf("main branch: id=%d name=%s\n", head.ID(), head.Name())
			return nil
		},
	}
}

func lsCmd() *cobra.Command {
	var branchID uint64
	var dirIno uint64
	var parentIno uint64
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List a directory's entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := openImage()
			if err != nil {
				return err
			}
			defer img.Close()

			bc := img.Head()
			if branchID != 0 {
				var ok bool
				bc, ok = img.Branch(branchID)
				if !ok {
					return fmt.Errorf("daxctl: no such branch %d", branchID)
				}
			}

			return img.ReadDir(bc, dirIno, parentIno, 0, func(d daxfs.Dirent) bool {
				fmt.Printf("%8d  %s\n", d.Ino, d.Name)
				return true
			})
		},
	}
	cmd.Flags().Uint64Var(&branchID, "branch", 0, "branch id to list from (default: main)")
	cmd.Flags().Uint64Var(&dirIno, "ino", daxfs.RootIno, "directory inode to list")
	cmd.Flags().Uint64Var(&parentIno, "parent-ino", daxfs.RootIno, "directory's parent inode (for \"..\")")
	return cmd
}

func catCmd() *cobra.Command {
	var branchID uint64
	cmd := &cobra.Command{
		Use:   "cat <ino>",
		Short: "Print a file's resolved contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := openImage()
			if err != nil {
				return err
			}
			defer img.Close()

			bc := img.Head()
			if branchID != 0 {
				var ok bool
				bc, ok = img.Branch(branchID)
				if !ok {
					return fmt.Errorf("daxctl: no such branch %d", branchID)
				}
			}

			var ino uint64
			if _, err := fmt.Sscanf(args[0], "%d", &ino); err != nil {
				return err
			}
			attr, err := img.GetAttr(bc, ino)
			if err != nil {
				return err
			}

			const chunk = 64 * 1024
			buf := make([]byte, chunk)
			var off uint64
			for off < attr.Size {
				n := uint64(len(buf))
				if rem := attr.Size - off; rem < n {
					n = rem
				}
				if _, err := img.Read(bc, ino, off, buf[:n]); err != nil {
					return err
				}
				if _, err := os.Stdout.Write(buf[:n]); err != nil {
					return err
				}
				off += n
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&branchID, "branch", 0, "branch id to read from (default: main)")
	return cmd
}

func branchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Administer branches",
	}
	cmd.AddCommand(branchListCmd(), branchCreateCmd(), branchCommitCmd(), branchAbortCmd())
	return cmd
}

func branchListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the main branch chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := openImage()
			if err != nil {
				return err
			}
			defer img.Close()

			for bc := img.Head(); bc != nil; bc = bc.Parent() {
				fmt.Printf("id=%d name=%s state=%d\n", bc.ID(), bc.Name(), bc.State())
			}
			return nil
		},
	}
}

func branchCreateCmd() *cobra.Command {
	var parentID uint64
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := openImage()
			if err != nil {
				return err
			}
			defer img.Close()

			parent := img.Head()
			if parentID != 0 {
				var ok bool
				parent, ok = img.Branch(parentID)
				if !ok {
					return fmt.Errorf("daxctl: no such branch %d", parentID)
				}
			}
			bc, err := img.CreateBranch(args[0], parent)
			if err != nil {
				return err
			}
			fmt.Printf("created branch id=%d\n", bc.ID())
			return nil
		},
	}
	cmd.Flags().Uint64Var(&parentID, "parent", 0, "parent branch id (default: main)")
	return cmd
}

func branchCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit <branch-id>",
		Short: "Merge a branch into its parent",
		Args:  cobra.ExactArgs(1),
		RunE:  withBranchArg((*daxfs.Image).CommitBranch),
	}
}

func branchAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <branch-id>",
		Short: "Discard a branch",
		Args:  cobra.ExactArgs(1),
		RunE:  withBranchArg((*daxfs.Image).AbortBranch),
	}
}

func withBranchArg(fn func(*daxfs.Image, *daxfs.BranchContext) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		img, err := openImage()
		if err != nil {
			return err
		}
		defer img.Close()

		var id uint64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return err
		}
		bc, ok := img.Branch(id)
		if !ok {
			return fmt.Errorf("daxctl: no such branch %d", id)
		}
		return fn(img, bc)
	}
}
