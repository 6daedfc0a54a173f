// Package drive is a small client for one directory of a Microsoft Graph
// document library (SharePoint Online / OneDrive drive items).
//
// The client is scoped to a single directory, addressed by its children
// endpoint, for example:
//
//	https://graph.microsoft.com/v1.0/sites/{site-id}/drive/root:/Backups/repo:/children
//
// The drive root itself is addressed as .../drive/root/children.
//
// Requests are authenticated with a bearer token taken from an
// oauth2.TokenSource. Upload session chunks are sent to the pre-authenticated
// upload URL returned by Graph and therefore carry no Authorization header.
//
// # Listing
//
// Graph paginates children listings through @odata.nextLink. Pages walks the
// links lazily; List materializes all of them and never returns a partial
// listing:
//
//	for page, err := range client.Pages(ctx) {
//		if err != nil {
//			return err
//		}
//		// ...
//	}
package drive
