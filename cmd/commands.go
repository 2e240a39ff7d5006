package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"homeswipe-client/internal/models"
	"homeswipe-client/internal/services"
)

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := newFlagSet("login")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var err error
	if *email == "" {
		if *email, err = a.prompt("Email: "); err != nil {
			return err
		}
	}
	if *password == "" {
		if *password, err = a.prompt("Password: "); err != nil {
			return err
		}
	}

	user, err := a.auth.Login(ctx, *email, *password)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Signed in as %s <%s>\n", user.Name, user.Email)
	return nil
}

func (a *app) register(ctx context.Context, args []string) error {
	fs := newFlagSet("register")
	var p models.Profile
	fs.StringVar(&p.Name, "name", "", "display name")
	fs.StringVar(&p.Email, "email", "", "account email")
	fs.StringVar(&p.Password, "password", "", "account password")
	fs.StringVar(&p.City, "city", "", "home city")
	fs.StringVar(&p.State, "state", "", "home state")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var err error
	for _, field := range []struct {
		label string
		value *string
	}{
		{"Name: ", &p.Name},
		{"Email: ", &p.Email},
		{"Password: ", &p.Password},
	} {
		if *field.value == "" {
			if *field.value, err = a.prompt(field.label); err != nil {
				return err
			}
		}
	}

	user, err := a.auth.Register(ctx, p)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Welcome, %s! You are signed in.\n", user.Name)
	return nil
}

func (a *app) whoami() error {
	user, err := a.requireUser()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s <%s>", user.Name, user.Email)
	if user.City != "" {
		fmt.Fprintf(a.out, " in %s", user.City)
	}
	fmt.Fprintln(a.out)
	return nil
}

func (a *app) profile(ctx context.Context, args []string) error {
	user, err := a.requireUser()
	if err != nil {
		return err
	}
	fs := newFlagSet("profile")
	p := models.Profile{Name: user.Name, Email: user.Email, City: user.City, State: user.State}
	fs.StringVar(&p.Name, "name", p.Name, "display name")
	fs.StringVar(&p.Email, "email", p.Email, "account email")
	fs.StringVar(&p.City, "city", p.City, "home city")
	fs.StringVar(&p.State, "state", p.State, "home state")
	fs.StringVar(&p.Password, "password", "", "new password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p.PasswordConfirmation = p.Password

	updated, err := a.auth.UpdateProfile(ctx, p)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Profile saved: %s <%s>\n", updated.Name, updated.Email)
	return nil
}

func parseFilters(args []string, lastCity string) (models.FeedFilters, error) {
	fs := newFlagSet("feed")
	var f models.FeedFilters
	var listingType, minPrice, maxPrice, tags string
	fs.StringVar(&f.City, "city", lastCity, "city to search")
	fs.StringVar(&f.Country, "country", "", "country to search")
	fs.StringVar(&listingType, "type", "", "rent or sell")
	fs.StringVar(&minPrice, "min", "", "minimum price")
	fs.StringVar(&maxPrice, "max", "", "maximum price")
	fs.StringVar(&tags, "tags", "", "comma separated tags")
	if err := fs.Parse(args); err != nil {
		return f, err
	}

	if listingType != "" {
		f.Type = models.ListingType(listingType)
		if !f.Type.Valid() {
			return f, fmt.Errorf("type must be rent or sell")
		}
	}
	for _, p := range []struct {
		raw string
		dst **float64
	}{{minPrice, &f.MinPrice}, {maxPrice, &f.MaxPrice}} {
		if p.raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(p.raw, 64)
		if err != nil {
			return f, fmt.Errorf("invalid price %q", p.raw)
		}
		*p.dst = &v
	}
	if tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	return f, nil
}

func (a *app) printCurrent() bool {
	p, ok := a.feed.Current()
	if !ok {
		fmt.Fprintln(a.out, "No more listings. Try other filters.")
		return false
	}
	fmt.Fprintf(a.out, "\n== %s ==  %s  (%s, %s)\n", p.Title, p.Price, p.Type, p.City)
	if p.Description != "" {
		fmt.Fprintln(a.out, p.Description)
	}
	if len(p.Tags) > 0 {
		fmt.Fprintf(a.out, "tags: %s\n", strings.Join(p.Tags, ", "))
	}
	if n := len(p.Images); n > 0 {
		fmt.Fprintf(a.out, "image %d/%d: %s\n", a.feed.ImageIndex()+1, n, p.Images[a.feed.ImageIndex()])
	}
	if badge := a.likes.Badge(); badge != "" {
		fmt.Fprintf(a.out, "[%s unread likes]\n", badge)
	}
	fmt.Fprintf(a.out, "%d left  [l]ike [p]ass [s]kip [n]ext/[b]ack image [a]ccept/[d]ismiss match [q]uit\n", a.feed.Remaining())
	return true
}

func (a *app) runFeed(ctx context.Context, args []string) error {
	user, err := a.requireUser()
	if err != nil {
		return err
	}
	filters, err := parseFilters(args, a.feed.LastCity(ctx))
	if err != nil {
		return err
	}

	a.startRealtime(ctx, user, nil)
	if _, err := a.likes.Refresh(ctx); err != nil {
		fmt.Fprintln(a.out, services.UserMessage(err, "Could not load unread likes"))
	}
	if err := a.feed.Load(ctx, filters); err != nil {
		return err
	}
	a.printCurrent()

	input := a.lines(ctx)
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-input:
			if !ok {
				return nil
			}
			line = l
		}

		quit, redraw := a.handleFeedKey(ctx, line)
		if quit {
			return nil
		}
		if redraw {
			a.printCurrent()
		}
	}
}

// handleFeedKey applies one feed key. redraw reports whether the current
// card changed.
func (a *app) handleFeedKey(ctx context.Context, key string) (quit, redraw bool) {
	switch key {
	case "q":
		return true, false
	case "l", "p":
		p, ok := a.feed.Current()
		if !ok {
			return false, false
		}
		if err := a.feed.Swipe(ctx, p.ID, key == "l"); err != nil {
			fmt.Fprintln(a.out, services.UserMessage(err, "Could not save your swipe, try again"))
			return false, false
		}
	case "s":
		a.feed.Advance()
	case "n":
		a.feed.NextImage()
	case "b":
		a.feed.PrevImage()
	case "a":
		n, ok := a.popup.Current()
		if !ok {
			fmt.Fprintln(a.out, "No pending like.")
			return false, false
		}
		conv, err := a.popup.Accept(ctx, n)
		if err != nil {
			fmt.Fprintln(a.out, services.UserMessage(err, "Could not create the match"))
			return false, false
		}
		if conv != nil {
			fmt.Fprintf(a.out, "Matched with %s. Run `homeswipe chat %d` to talk.\n", n.Liker.Name, conv.ID)
		} else {
			fmt.Fprintf(a.out, "Matched with %s.\n", n.Liker.Name)
		}
		return false, false
	case "d":
		a.popup.Dismiss()
		return false, false
	default:
		fmt.Fprintln(a.out, "Unknown key.")
		return false, false
	}
	return false, true
}

func (a *app) showLikes(ctx context.Context, args []string) error {
	if _, err := a.requireUser(); err != nil {
		return err
	}
	fs := newFlagSet("likes")
	markRead := fs.Bool("read", false, "mark all likes as read")
	if err := fs.Parse(args); err != nil {
		return err
	}

	n, err := a.likes.Refresh(ctx)
	if err != nil {
		return err
	}
	if *markRead {
		if err := a.likes.MarkRead(ctx); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Marked %d likes as read.\n", n)
		return nil
	}
	if n == 0 {
		fmt.Fprintln(a.out, "No unread likes.")
		return nil
	}
	fmt.Fprintf(a.out, "%s unread likes\n", services.FormatBadge(n))
	return nil
}

func (a *app) listMatches(ctx context.Context) error {
	if _, err := a.requireUser(); err != nil {
		return err
	}
	convs, err := a.matches.List(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Fprintln(a.out, "No matches yet.")
		return nil
	}
	for _, c := range convs {
		other, title := "?", "?"
		if c.OtherUser != nil {
			other = c.OtherUser.Name
		}
		if c.Property != nil {
			title = c.Property.Title
		}
		fmt.Fprintf(a.out, "%5d  %-20s %s\n", c.ID, other, title)
	}
	return nil
}

func (a *app) printMessage(me int64, m models.Message) {
	who := "them"
	if m.SenderID == me {
		who = "me"
	}
	fmt.Fprintf(a.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, m.Content)
}

func (a *app) runChat(ctx context.Context, args []string) error {
	user, err := a.requireUser()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: homeswipe chat <conversation id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid conversation id %q", args[0])
	}

	if err := a.chat.Open(ctx, id); err != nil {
		return err
	}
	for _, m := range a.chat.Messages() {
		a.printMessage(user.ID, m)
	}

	onMessage := func(m models.Message) {
		if a.chat.Merge(m) && m.SenderID != user.ID {
			a.printMessage(user.ID, m)
		}
	}
	a.startRealtime(ctx, user, nil)
	go func() {
		err := a.channels.SubscribeToConversation(ctx, id, onMessage)
		if err != nil && ctx.Err() == nil && !errors.Is(err, services.ErrChannelLeft) {
			fmt.Fprintln(a.out, "Live updates unavailable:", services.UserMessage(err, "realtime error"))
		}
	}()
	defer a.channels.UnsubscribeConversation()

	fmt.Fprintln(a.out, "Type a message and press enter. /q leaves.")
	input := a.lines(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-input:
			if !ok || line == "/q" {
				return nil
			}
			if line == "" {
				continue
			}
			if _, err := a.chat.Send(ctx, line); err != nil {
				fmt.Fprintln(a.out, services.UserMessage(err, "Message not sent"))
			}
		}
	}
}

func (a *app) listings(ctx context.Context, args []string) error {
	if _, err := a.requireUser(); err != nil {
		return err
	}
	fs := newFlagSet("listings")
	create := fs.Bool("create", false, "create a listing")
	remove := fs.Int64("delete", 0, "delete the listing with this id")
	var p models.Property
	var listingType, images, tags string
	var price float64
	fs.StringVar(&p.Title, "title", "", "listing title")
	fs.StringVar(&p.Description, "description", "", "listing description")
	fs.StringVar(&p.City, "city", "", "city")
	fs.StringVar(&p.State, "state", "", "state")
	fs.StringVar(&p.Country, "country", "", "country")
	fs.StringVar(&listingType, "type", string(models.ListingRent), "rent or sell")
	fs.Float64Var(&price, "price", 0, "price")
	fs.StringVar(&tags, "tags", "", "comma separated tags")
	fs.StringVar(&images, "images", "", "comma separated image files to upload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch {
	case *remove > 0:
		if err := a.properties.Delete(ctx, *remove); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Deleted listing %d.\n", *remove)
		return nil

	case *create:
		p.Type = models.ListingType(listingType)
		p.Price = models.Price(price)
		if tags != "" {
			p.Tags = strings.Split(tags, ",")
		}
		if err := services.ValidateProperty(p); err != nil {
			return err
		}
		if images != "" {
			paths, err := a.upload(ctx, strings.Split(images, ","))
			if err != nil {
				return err
			}
			p.Images = paths
		}
		created, err := a.properties.Create(ctx, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Created listing %d: %s\n", created.ID, created.Title)
		return nil
	}

	props, err := a.properties.Mine(ctx)
	if err != nil {
		return err
	}
	if len(props) == 0 {
		fmt.Fprintln(a.out, "You have no listings.")
		return nil
	}
	for _, p := range props {
		fmt.Fprintf(a.out, "%5d  %-30s %10s  %s  %s\n", p.ID, p.Title, p.Price, p.Type, p.City)
	}
	return nil
}

func (a *app) upload(ctx context.Context, names []string) ([]string, error) {
	files := make([]services.UploadFile, 0, len(names))
	for _, name := range names {
		f, err := os.Open(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("failed to open image: %w", err)
		}
		defer f.Close()
		files = append(files, services.UploadFile{Name: filepath.Base(f.Name()), Reader: f})
	}
	return a.properties.UploadImages(ctx, files)
}
